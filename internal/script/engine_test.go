package script

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novelshelf/catalogd/internal/domain"
)

type stubVM struct {
	funcs  map[string]func(args ...any) (any, error)
	closed bool
	// hasAfterClose counts lookups made once the vm was released.
	hasAfterClose int
}

func (s *stubVM) call(_ context.Context, fn string, args ...any) (any, error) {
	return s.funcs[fn](args...)
}

func (s *stubVM) has(fn string) bool {
	if s.closed {
		s.hasAfterClose++
	}
	_, ok := s.funcs[fn]
	return ok
}

func (s *stubVM) alive() bool { return !s.closed }

func (s *stubVM) close() {
	s.closed = true
	s.funcs = nil
}

func newStubVM() *stubVM {
	empty := func(...any) (any, error) { return nil, nil }
	return &stubVM{funcs: map[string]func(args ...any) (any, error){
		"popularNovels": empty,
		"searchNovels":  empty,
		"parseNovel":    empty,
		"parseChapter":  empty,
	}}
}

func TestSandboxPlugin_RecoversPanics(t *testing.T) {
	vm := newStubVM()
	vm.funcs["parseChapter"] = func(...any) (any, error) { panic("vm exploded") }

	p, err := newSandboxPlugin("stub", vm, Metadata{ID: "s", Name: "S", APIVersion: 1}, 0)
	require.NoError(t, err)

	_, err = p.GetChapterContent(context.Background(), "/c")
	require.ErrorIs(t, err, domain.ErrSandboxEvaluationFailed)
	assert.Contains(t, err.Error(), "vm exploded")
}

func TestSandboxPlugin_PopularArguments(t *testing.T) {
	vm := newStubVM()
	var got []any
	vm.funcs["popularNovels"] = func(args ...any) (any, error) {
		got = args
		return []any{map[string]any{"name": "N", "path": "/n"}}, nil
	}

	p, err := newSandboxPlugin("stub", vm, Metadata{ID: "s", Name: "S", APIVersion: 1}, 0)
	require.NoError(t, err)

	page, err := p.PopularNovels(context.Background(), 3, domain.Filters{"genre": "x"})
	require.NoError(t, err)
	assert.True(t, page.HasNext)
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0])
	assert.Equal(t, map[string]any{
		"showLatestNovels": false,
		"filters":          map[string]any{"genre": "x"},
	}, got[1])
}

func TestSandboxPlugin_Close(t *testing.T) {
	vm := newStubVM()
	p, err := newSandboxPlugin("stub", vm, Metadata{ID: "s", Name: "S", APIVersion: 1}, 0)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.True(t, vm.closed)
	assert.False(t, p.IsLoaded())

	_, err = p.SearchNovels(context.Background(), "q", 1)
	assert.ErrorIs(t, err, domain.ErrPluginClosed)
}

func TestUnavailableEngine(t *testing.T) {
	e := UnavailableEngine{Reason: "built without scripting"}
	p, err := e.LoadPlugin(context.Background(), []byte("x"), "plug", nil)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, domain.ErrEngineUnavailable)
	assert.Contains(t, err.Error(), "built without scripting")
}

func TestSandboxPlugin_LatestFallsBackToPopular(t *testing.T) {
	vm := newStubVM()
	var got []any
	vm.funcs["popularNovels"] = func(args ...any) (any, error) {
		got = args
		return []any{}, nil
	}

	p, err := newSandboxPlugin("stub", vm, Metadata{ID: "s", Name: "S", APIVersion: 1}, 0)
	require.NoError(t, err)

	_, err = p.LatestNovels(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0])
	assert.Equal(t, true, got[1].(map[string]any)["showLatestNovels"])

	var latest []any
	vm.funcs["latestNovels"] = func(args ...any) (any, error) {
		latest = args
		return []any{}, nil
	}
	_, err = p.LatestNovels(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []any{5}, latest)
}

func TestSandboxPlugin_LatestAfterCloseNeverTouchesVM(t *testing.T) {
	vm := newStubVM()
	p, err := newSandboxPlugin("stub", vm, Metadata{ID: "s", Name: "S", APIVersion: 1}, 0)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = p.LatestNovels(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrPluginClosed)
	assert.Zero(t, vm.hasAfterClose)
}

func TestSandboxPlugin_LatestRacingClose(t *testing.T) {
	vm := newStubVM()
	p, err := newSandboxPlugin("stub", vm, Metadata{ID: "s", Name: "S", APIVersion: 1}, 0)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = p.LatestNovels(context.Background(), 1)
			}
		}()
	}
	require.NoError(t, p.Close())
	wg.Wait()

	assert.Zero(t, vm.hasAfterClose)
	assert.False(t, p.IsLoaded())
}
