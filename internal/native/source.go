package native

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/novelshelf/catalogd/internal/domain"
	"github.com/novelshelf/catalogd/internal/script"
)

// Source is a loaded native package. Calls into the module are serialized.
type Source struct {
	mu       sync.Mutex
	id       int64
	manifest Manifest
	mod      api.Module
	bridge   script.Bridge
	timeout  time.Duration
	closed   bool
}

var _ domain.Source = (*Source)(nil)

func (s *Source) ID() int64          { return s.id }
func (s *Source) Name() string       { return s.manifest.Name }
func (s *Source) Lang() string       { return s.manifest.Lang }
func (s *Source) Manifest() Manifest { return s.manifest }

func (s *Source) PopularNovels(ctx context.Context, page int, filters domain.Filters) (*domain.NovelsPage, error) {
	var out domain.NovelsPage
	err := s.call(ctx, request{Method: "popularNovels", Page: page, Filters: filters}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Source) SearchNovels(ctx context.Context, query string, page int) (*domain.NovelsPage, error) {
	var out domain.NovelsPage
	if err := s.call(ctx, request{Method: "searchNovels", Query: query, Page: page}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Source) LatestNovels(ctx context.Context, page int) (*domain.NovelsPage, error) {
	var out domain.NovelsPage
	if err := s.call(ctx, request{Method: "latestNovels", Page: page, ShowLatestNovels: true}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Source) GetNovelDetails(ctx context.Context, url string) (*domain.Novel, error) {
	var out domain.Novel
	if err := s.call(ctx, request{Method: "novelDetails", URL: url}, &out); err != nil {
		return nil, err
	}
	if out.URL == "" {
		out.URL = url
	}
	return &out, nil
}

func (s *Source) GetChapters(ctx context.Context, url string) ([]domain.Chapter, error) {
	var out []domain.Chapter
	if err := s.call(ctx, request{Method: "chapters", URL: url}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Source) GetChapterContent(ctx context.Context, url string) (string, error) {
	var out string
	if err := s.call(ctx, request{Method: "chapterContent", URL: url}, &out); err != nil {
		return "", err
	}
	return out, nil
}

// IsLoaded reports whether the module instance is still usable. A call
// that hits its deadline closes the instance.
func (s *Source) IsLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.mod.IsClosed()
}

// Close releases the module instance. Safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.mod.Close(context.Background())
}

func (s *Source) call(ctx context.Context, req request, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.mod.IsClosed() {
		return domain.ErrPluginClosed
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx = withBridge(ctx, s.bridge)

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s: encoding request: %w", req.Method, err)
	}
	in, err := writeGuest(ctx, s.mod, payload)
	if err != nil {
		return s.wrap(ctx, req.Method, err)
	}
	inPtr, inLen := unpack(in)

	res, err := s.mod.ExportedFunction(exportCall).Call(ctx, uint64(inPtr), uint64(inLen))
	if err != nil {
		return s.wrap(ctx, req.Method, err)
	}

	outPtr, outLen := unpack(res[0])
	raw, ok := s.mod.Memory().Read(outPtr, outLen)
	if !ok {
		return fmt.Errorf("%s: response out of bounds (%d+%d)", req.Method, outPtr, outLen)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%s: decoding response: %w", req.Method, err)
	}
	if env.Error != "" {
		return fmt.Errorf("%s: %s", req.Method, env.Error)
	}
	if out == nil || len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("%s: decoding result: %w", req.Method, err)
	}
	return nil
}

func (s *Source) wrap(ctx context.Context, method string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", method, ctxErr)
	}
	var exit interface{ ExitCode() uint32 }
	if errors.As(err, &exit) {
		return fmt.Errorf("%s: module exited with code %d", method, exit.ExitCode())
	}
	return fmt.Errorf("%s: %w", method, err)
}
