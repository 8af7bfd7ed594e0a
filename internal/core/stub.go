package core

import (
	"context"

	"github.com/novelshelf/catalogd/internal/domain"
)

// stubSource stands in for a script plugin whose real source has not
// finished loading. Every capability call fails with ErrSourceLoading.
type stubSource struct {
	id   int64
	name string
	lang string
}

func (s *stubSource) ID() int64    { return s.id }
func (s *stubSource) Name() string { return s.name }
func (s *stubSource) Lang() string { return s.lang }

func (s *stubSource) PopularNovels(context.Context, int, domain.Filters) (*domain.NovelsPage, error) {
	return nil, domain.ErrSourceLoading
}

func (s *stubSource) SearchNovels(context.Context, string, int) (*domain.NovelsPage, error) {
	return nil, domain.ErrSourceLoading
}

func (s *stubSource) LatestNovels(context.Context, int) (*domain.NovelsPage, error) {
	return nil, domain.ErrSourceLoading
}

func (s *stubSource) GetNovelDetails(context.Context, string) (*domain.Novel, error) {
	return nil, domain.ErrSourceLoading
}

func (s *stubSource) GetChapters(context.Context, string) ([]domain.Chapter, error) {
	return nil, domain.ErrSourceLoading
}

func (s *stubSource) GetChapterContent(context.Context, string) (string, error) {
	return "", domain.ErrSourceLoading
}
