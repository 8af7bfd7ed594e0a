package domain

import "context"

// NovelItem is one entry of a listing or search result
type NovelItem struct {
	Name  string `json:"name"`
	URL   string `json:"path"`
	Cover string `json:"cover,omitempty"`
}

// NovelsPage is a single page of listing results
type NovelsPage struct {
	Items   []NovelItem `json:"items"`
	HasNext bool        `json:"hasNext"`
}

// Novel holds the detail page of a novel
type Novel struct {
	URL     string   `json:"path"`
	Name    string   `json:"name"`
	Cover   string   `json:"cover,omitempty"`
	Author  string   `json:"author,omitempty"`
	Artist  string   `json:"artist,omitempty"`
	Genres  []string `json:"genres,omitempty"`
	Summary string   `json:"summary,omitempty"`
	Status  string   `json:"status,omitempty"`
}

// Chapter is one entry of a novel's chapter list
type Chapter struct {
	Name        string  `json:"name"`
	URL         string  `json:"path"`
	Number      float64 `json:"chapterNumber,omitempty"`
	ReleaseTime string  `json:"releaseTime,omitempty"`
}

// Filters are source-defined listing filters, passed through verbatim
type Filters map[string]any

// Source is the capability surface every catalog exposes
type Source interface {
	// Identity
	ID() int64
	Name() string
	Lang() string

	// Listings
	PopularNovels(ctx context.Context, page int, filters Filters) (*NovelsPage, error)
	SearchNovels(ctx context.Context, query string, page int) (*NovelsPage, error)
	LatestNovels(ctx context.Context, page int) (*NovelsPage, error)

	// Content
	GetNovelDetails(ctx context.Context, url string) (*Novel, error)
	GetChapters(ctx context.Context, url string) ([]Chapter, error)
	GetChapterContent(ctx context.Context, url string) (string, error)
}
