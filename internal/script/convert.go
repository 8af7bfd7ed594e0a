package script

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/novelshelf/catalogd/internal/domain"
)

// Plugin results arrive as loosely typed Go values exported from the VM and
// are normalized here through their JSON shape.

type wireNovel struct {
	Name     string           `json:"name"`
	Path     string           `json:"path"`
	URL      string           `json:"url"`
	Cover    string           `json:"cover"`
	Author   string           `json:"author"`
	Artist   string           `json:"artist"`
	Genres   any              `json:"genres"`
	Summary  string           `json:"summary"`
	Status   any              `json:"status"`
	Chapters []domain.Chapter `json:"chapters"`
}

type wirePage struct {
	Items   []domain.NovelItem `json:"items"`
	Novels  []domain.NovelItem `json:"novels"`
	HasNext *bool              `json:"hasNext"`
}

func reencode(v any, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func decodePage(op string, v any) (*domain.NovelsPage, error) {
	switch v.(type) {
	case nil:
		return &domain.NovelsPage{}, nil
	case []any:
		var items []domain.NovelItem
		if err := reencode(v, &items); err != nil {
			return nil, fmt.Errorf("%w: %s: decoding items: %v", domain.ErrSandboxEvaluationFailed, op, err)
		}
		return &domain.NovelsPage{Items: items, HasNext: len(items) > 0}, nil
	}

	var page wirePage
	if err := reencode(v, &page); err != nil {
		return nil, fmt.Errorf("%w: %s: decoding page: %v", domain.ErrSandboxEvaluationFailed, op, err)
	}
	items := page.Items
	if items == nil {
		items = page.Novels
	}
	hasNext := len(items) > 0
	if page.HasNext != nil {
		hasNext = *page.HasNext
	}
	return &domain.NovelsPage{Items: items, HasNext: hasNext}, nil
}

func decodeNovel(op, url string, v any) (*domain.Novel, []domain.Chapter, error) {
	if v == nil {
		return nil, nil, fmt.Errorf("%w: %s: no novel returned", domain.ErrSandboxEvaluationFailed, op)
	}
	var w wireNovel
	if err := reencode(v, &w); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: decoding novel: %v", domain.ErrSandboxEvaluationFailed, op, err)
	}

	n := &domain.Novel{
		URL:     firstNonEmpty(w.Path, w.URL, url),
		Name:    w.Name,
		Cover:   w.Cover,
		Author:  w.Author,
		Artist:  w.Artist,
		Genres:  splitGenres(w.Genres),
		Summary: w.Summary,
		Status:  stringify(w.Status),
	}
	return n, w.Chapters, nil
}

func decodeText(op string, v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("%w: %s: expected string, got %T", domain.ErrSandboxEvaluationFailed, op, v)
	}
}

func splitGenres(v any) []string {
	var out []string
	switch g := v.(type) {
	case string:
		for _, part := range strings.Split(g, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, part := range g {
			if s := strings.TrimSpace(stringify(part)); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func metadataFrom(m map[string]any) Metadata {
	meta := Metadata{
		ID:          stringify(m["id"]),
		Name:        stringify(m["name"]),
		Site:        stringify(m["site"]),
		Version:     stringify(m["version"]),
		Lang:        stringify(m["lang"]),
		Icon:        stringify(m["icon"]),
		Description: stringify(m["description"]),
		APIVersion:  toInt(m["apiVersion"]),
	}
	if nsfw, ok := m["nsfw"].(bool); ok {
		meta.NSFW = nsfw
	}
	if meta.APIVersion == 0 {
		meta.APIVersion = 1
	}
	return meta
}
