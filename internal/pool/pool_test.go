package pool

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type widget struct {
	Object
	value   int
	setups  int
	cleaned int
}

type parentRef struct {
	puts int
}

func (p *parentRef) Put() { p.puts++ }

func newWidgetPool(t *testing.T, max int) *Pool[widget, *widget] {
	t.Helper()
	return New[widget, *widget](Options[widget]{
		Name:     "widget",
		Tag:      7,
		SlabSize: 4,
		Max:      max,
		Setup: func(w *widget) error {
			w.setups++
			return nil
		},
		Cleanup: func(w *widget) {
			w.cleaned++
			w.value = 0
		},
	})
}

func TestAllocGrowsBySlab(t *testing.T) {
	p := newWidgetPool(t, 0)
	require.Equal(t, 0, p.Count())

	w, err := p.Alloc()
	require.NoError(t, err)
	require.Equal(t, 4, p.Count())
	require.Equal(t, 1, p.InUse())
	require.EqualValues(t, 1, w.Refs())
	require.True(t, w.Live())
	require.Equal(t, 1, w.setups)

	var live []*widget
	for i := 0; i < 4; i++ {
		obj, err := p.Alloc()
		require.NoError(t, err)
		live = append(live, obj)
	}
	require.Equal(t, 8, p.Count())
	require.Equal(t, 5, p.InUse())

	for _, obj := range live {
		obj.Put()
	}
	w.Put()
	require.Equal(t, 0, p.InUse())
	require.Equal(t, 8, p.Count(), "slabs are never freed")
}

func TestAllocRespectsMax(t *testing.T) {
	p := newWidgetPool(t, 3)
	for i := 0; i < 3; i++ {
		_, err := p.Alloc()
		require.NoError(t, err)
	}
	_, err := p.Alloc()
	require.True(t, errors.Is(err, ErrNoSpace), "got %v", err)
	require.Equal(t, 3, p.Count())
}

func TestReleaseRunsCleanupAndParent(t *testing.T) {
	p := newWidgetPool(t, 0)
	parent := &parentRef{}
	w, err := p.Alloc()
	require.NoError(t, err)
	w.value = 42
	w.SetParent(parent)

	w.Get()
	w.Put()
	require.Equal(t, 0, w.cleaned)
	require.Equal(t, 0, parent.puts)

	w.Put()
	require.Equal(t, 1, w.cleaned)
	require.Equal(t, 1, parent.puts)
	require.Equal(t, 0, w.value)
	require.False(t, w.Live())
}

func TestLookupValidatesHandle(t *testing.T) {
	p := newWidgetPool(t, 0)
	w, err := p.Alloc()
	require.NoError(t, err)
	h := w.Handle()
	require.Equal(t, Tag(7), h.Tag())

	got, err := p.Lookup(h)
	require.NoError(t, err)
	require.Same(t, w, got)
	require.EqualValues(t, 2, w.Refs())
	got.Put()

	_, err = p.Lookup(makeHandle(8, h.gen(), h.index()))
	require.ErrorIs(t, err, ErrInvalidHandle)
	_, err = p.Lookup(HandleNone)
	require.ErrorIs(t, err, ErrInvalidHandle)
	_, err = p.Lookup(makeHandle(7, 1, 1000))
	require.ErrorIs(t, err, ErrInvalidHandle)

	w.Put()
	_, err = p.Lookup(h)
	require.ErrorIs(t, err, ErrInvalidHandle)

	again, err := p.Alloc()
	require.NoError(t, err)
	require.Same(t, w, again, "slot is recycled")
	require.NotEqual(t, h, again.Handle(), "generation advanced")
	_, err = p.Lookup(h)
	require.ErrorIs(t, err, ErrInvalidHandle)
}

func TestTryGetFailsAfterRelease(t *testing.T) {
	p := newWidgetPool(t, 0)
	w, err := p.Alloc()
	require.NoError(t, err)

	require.True(t, w.TryGet())
	require.EqualValues(t, 2, w.Refs())
	w.Put()

	w.Put()
	require.False(t, w.TryGet())
	require.EqualValues(t, 0, w.Refs())
}

func TestPutLastOnlyDropsFinalReference(t *testing.T) {
	p := newWidgetPool(t, 0)
	w, err := p.Alloc()
	require.NoError(t, err)

	w.Get()
	require.False(t, w.PutLast())
	require.EqualValues(t, 2, w.Refs())
	require.True(t, w.Live())

	w.Put()
	require.True(t, w.PutLast())
	require.False(t, w.Live())
	require.Equal(t, 1, w.cleaned)
	require.Equal(t, 0, p.InUse())
	require.False(t, w.PutLast())
}

func TestRangeVisitsLiveObjects(t *testing.T) {
	p := newWidgetPool(t, 0)
	var live []*widget
	for i := 0; i < 6; i++ {
		w, err := p.Alloc()
		require.NoError(t, err)
		w.value = i
		live = append(live, w)
	}
	live[1].Put()
	live[4].Put()

	var seen []int
	p.Range(func(w *widget) bool {
		seen = append(seen, w.value)
		return true
	})
	require.ElementsMatch(t, []int{0, 2, 3, 5}, seen)

	n := 0
	p.Range(func(*widget) bool {
		n++
		return n < 2
	})
	require.Equal(t, 2, n)
}

func TestPutUnderflowPanics(t *testing.T) {
	p := newWidgetPool(t, 0)
	w, err := p.Alloc()
	require.NoError(t, err)
	w.Put()
	require.Panics(t, func() { w.Put() })
}

func TestConcurrentAllocNoAliasing(t *testing.T) {
	p := New[widget, *widget](Options[widget]{Name: "widget", Tag: 1, SlabSize: 8})
	const workers = 8
	const rounds = 500

	var (
		mu   sync.Mutex
		seen = make(map[*widget]int)
		wg   sync.WaitGroup
	)
	lastCount := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				w, err := p.Alloc()
				if err != nil {
					t.Errorf("alloc: %v", err)
					return
				}
				mu.Lock()
				if owner, ok := seen[w]; ok {
					t.Errorf("slot aliased by workers %d and %d", owner, id)
				}
				seen[w] = id
				count := p.Count()
				if count < lastCount {
					t.Errorf("slab count shrank from %d to %d", lastCount, count)
				}
				lastCount = count
				mu.Unlock()

				mu.Lock()
				delete(seen, w)
				mu.Unlock()
				w.Put()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 0, p.InUse())
}
