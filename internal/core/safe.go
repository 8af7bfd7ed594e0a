package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/novelshelf/catalogd/internal/domain"
)

// ReloadFunc rebuilds the underlying source of a SafeSource.
type ReloadFunc func(ctx context.Context) (domain.Source, error)

// loadable is implemented by sources that can be torn down underneath us,
// such as sandboxed plugins and WASM instances.
type loadable interface {
	IsLoaded() bool
}

// SafeSource wraps every loaded source. Failures come back as
// *domain.SourceError, panics are recovered, and a source that reports
// IsLoaded() == false is replaced through reload on the next call.
type SafeSource struct {
	id   int64
	name string
	lang string
	log  zerolog.Logger

	mu     sync.Mutex
	src    domain.Source
	reload ReloadFunc
	closed bool
}

// NewSafeSource wraps src. reload may be nil, in which case an unloaded
// source stays unloaded.
func NewSafeSource(src domain.Source, reload ReloadFunc, log zerolog.Logger) *SafeSource {
	return &SafeSource{
		id:     src.ID(),
		name:   src.Name(),
		lang:   src.Lang(),
		log:    log.With().Int64("source_id", src.ID()).Logger(),
		src:    src,
		reload: reload,
	}
}

func (s *SafeSource) ID() int64    { return s.id }
func (s *SafeSource) Name() string { return s.name }
func (s *SafeSource) Lang() string { return s.lang }

// Unwrap returns the current underlying source.
func (s *SafeSource) Unwrap() domain.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src
}

// IsLoaded reports whether the underlying source is usable without a reload.
func (s *SafeSource) IsLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.src == nil {
		return false
	}
	if l, ok := s.src.(loadable); ok {
		return l.IsLoaded()
	}
	return true
}

// Close releases the underlying source. A closed SafeSource never reloads.
func (s *SafeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := closeSource(s.src)
	s.src = nil
	return err
}

func (s *SafeSource) current(ctx context.Context) (domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, domain.ErrPluginClosed
	}
	if s.src != nil {
		l, ok := s.src.(loadable)
		if !ok || l.IsLoaded() {
			return s.src, nil
		}
		if s.reload == nil {
			return s.src, nil
		}
		s.log.Debug().Msg("source unloaded, reloading")
		_ = closeSource(s.src)
		s.src = nil
	}
	if s.reload == nil {
		return nil, domain.ErrPluginClosed
	}

	src, err := s.reload(ctx)
	if err != nil {
		return nil, fmt.Errorf("reloading: %w", err)
	}
	s.src = src
	return src, nil
}

func (s *SafeSource) do(ctx context.Context, op string, fn func(domain.Source) error) (err error) {
	src, err := s.current(ctx)
	if err != nil {
		return &domain.SourceError{SourceID: s.id, Op: op, Err: err}
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("op", op).Interface("panic", r).Msg("source panicked")
			err = &domain.SourceError{
				SourceID: s.id,
				Op:       op,
				Err:      fmt.Errorf("%w: panic: %v", domain.ErrSandboxEvaluationFailed, r),
			}
		}
	}()

	if err := fn(src); err != nil {
		return &domain.SourceError{SourceID: s.id, Op: op, Err: err}
	}
	return nil
}

func (s *SafeSource) PopularNovels(ctx context.Context, page int, filters domain.Filters) (res *domain.NovelsPage, err error) {
	err = s.do(ctx, "popularNovels", func(src domain.Source) error {
		res, err = src.PopularNovels(ctx, page, filters)
		return err
	})
	return res, err
}

func (s *SafeSource) SearchNovels(ctx context.Context, query string, page int) (res *domain.NovelsPage, err error) {
	err = s.do(ctx, "searchNovels", func(src domain.Source) error {
		res, err = src.SearchNovels(ctx, query, page)
		return err
	})
	return res, err
}

func (s *SafeSource) LatestNovels(ctx context.Context, page int) (res *domain.NovelsPage, err error) {
	err = s.do(ctx, "latestNovels", func(src domain.Source) error {
		res, err = src.LatestNovels(ctx, page)
		return err
	})
	return res, err
}

func (s *SafeSource) GetNovelDetails(ctx context.Context, url string) (res *domain.Novel, err error) {
	err = s.do(ctx, "novelDetails", func(src domain.Source) error {
		res, err = src.GetNovelDetails(ctx, url)
		return err
	})
	return res, err
}

func (s *SafeSource) GetChapters(ctx context.Context, url string) (res []domain.Chapter, err error) {
	err = s.do(ctx, "chapters", func(src domain.Source) error {
		res, err = src.GetChapters(ctx, url)
		return err
	})
	return res, err
}

func (s *SafeSource) GetChapterContent(ctx context.Context, url string) (res string, err error) {
	err = s.do(ctx, "chapterContent", func(src domain.Source) error {
		res, err = src.GetChapterContent(ctx, url)
		return err
	})
	return res, err
}

func closeSource(src domain.Source) error {
	if c, ok := src.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
