package roster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/classroll/internal/database/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore() *mock.MockTemplateStore {
	store := mock.NewMockTemplateStore()
	store.Enroll("C1", "alice", "bob", "carol")
	store.AddTemplate("alice", []float32{1, 0, 0})
	store.AddTemplate("alice", []float32{0.9, 0.1, 0})
	store.AddTemplate("bob", []float32{0, 1, 0})
	store.AddTemplate("carol", []float32{0, 0, 1})
	return store
}

func TestCache_GetOrLoad(t *testing.T) {
	store := newStore()
	c := NewCache(store, Options{})

	_, ok := c.Get("C1")
	assert.False(t, ok)

	r, err := c.GetOrLoad(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, 3, r.Students())
	assert.Equal(t, 4, r.Templates())
	assert.Equal(t, []string{"alice", "bob", "carol"}, []string{r.Entries[0].StudentID, r.Entries[1].StudentID, r.Entries[2].StudentID})
	assert.NotEmpty(t, r.Version)

	cached, ok := c.Get("C1")
	require.True(t, ok)
	assert.Same(t, r, cached)

	_, err = c.GetOrLoad(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, 1, store.LoadCalls())
}

func TestCache_ConcurrentMissesLoadOnce(t *testing.T) {
	store := newStore()
	store.LoadDelay = 50 * time.Millisecond
	c := NewCache(store, Options{})

	var wg sync.WaitGroup
	results := make([]*Roster, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := c.GetOrLoad(context.Background(), "C1")
			assert.NoError(t, err)
			results[i] = r
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, store.LoadCalls(), "store must be queried once for concurrent misses")
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestCache_LoadKeepsUnchangedVersion(t *testing.T) {
	store := newStore()
	c := NewCache(store, Options{})
	ctx := context.Background()

	first, err := c.Load(ctx, "C1")
	require.NoError(t, err)
	second, err := c.Load(ctx, "C1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, store.LoadCalls())

	store.AddTemplate("bob", []float32{0.1, 0.9, 0})
	third, err := c.Load(ctx, "C1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Version, third.Version)
	assert.Equal(t, 5, third.Templates())
	assert.Equal(t, 2, store.LoadCalls())
}

func TestCache_Invalidate(t *testing.T) {
	store := newStore()
	c := NewCache(store, Options{})
	ctx := context.Background()

	_, err := c.GetOrLoad(ctx, "C1")
	require.NoError(t, err)

	c.Invalidate("C1")
	_, ok := c.Get("C1")
	assert.False(t, ok)

	_, err = c.GetOrLoad(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, 2, store.LoadCalls())

	c.Clear()
	assert.Equal(t, 0, c.Stats().Classes)
}

func TestCache_InvalidateDuringLoadDiscardsResult(t *testing.T) {
	store := newStore()
	store.LoadDelay = 50 * time.Millisecond
	c := NewCache(store, Options{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Load(context.Background(), "C1")
	}()
	time.Sleep(10 * time.Millisecond)
	c.Invalidate("C1")
	<-done

	_, ok := c.Get("C1")
	assert.False(t, ok, "a load racing an invalidation must not repopulate the cache")
}

func TestCache_LoadError(t *testing.T) {
	store := newStore()
	store.LoadError = errors.New("connection refused")
	c := NewCache(store, Options{})

	_, err := c.GetOrLoad(context.Background(), "C1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "C1")

	_, ok := c.Get("C1")
	assert.False(t, ok)
}

func TestCache_CallerCancellation(t *testing.T) {
	store := newStore()
	store.LoadDelay = 100 * time.Millisecond
	c := NewCache(store, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Load(ctx, "C1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The shared load still completes for everyone else.
	r, err := c.Load(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, 3, r.Students())
}

func TestCache_SkipsUndecodableTemplates(t *testing.T) {
	store := newStore()
	store.Enroll("C1", "dave", "erin")
	store.AddTemplate("dave", []float32{1, 0})  // wrong dimension
	store.AddTemplate("erin", []float32{0, 0, 0}) // zero vector
	c := NewCache(store, Options{})

	r, err := c.GetOrLoad(context.Background(), "C1")
	require.NoError(t, err)
	assert.Equal(t, 3, r.Students())
	assert.Equal(t, 2, r.Skipped)
}

func TestCache_EmptyClass(t *testing.T) {
	c := NewCache(newStore(), Options{})

	r, err := c.GetOrLoad(context.Background(), "unknown-class")
	require.NoError(t, err)
	assert.True(t, r.Empty())
}

func TestCache_Stats(t *testing.T) {
	c := NewCache(newStore(), Options{})
	ctx := context.Background()

	_, _ = c.GetOrLoad(ctx, "C1")
	_, _ = c.GetOrLoad(ctx, "C1")

	s := c.Stats()
	assert.Equal(t, 1, s.Classes)
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, uint64(1), s.Loads)
}

func TestRoster_IndexedCandidates(t *testing.T) {
	store := mock.NewMockTemplateStore()
	ids := []string{"s0", "s1", "s2", "s3"}
	store.Enroll("C2", ids...)
	vecs := [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
	for i, id := range ids {
		store.AddTemplate(id, vecs[i])
	}

	c := NewCache(store, Options{IndexThreshold: 2})
	r, err := c.GetOrLoad(context.Background(), "C2")
	require.NoError(t, err)
	require.True(t, r.Indexed())

	cands := r.Candidates([]float32{0, 0.1, 0.95, 0}, 1)
	assert.Equal(t, []int{2}, cands)

	unindexed := NewCache(store, Options{IndexThreshold: -1})
	r2, err := unindexed.GetOrLoad(context.Background(), "C2")
	require.NoError(t, err)
	assert.False(t, r2.Indexed())
	assert.Nil(t, r2.Candidates([]float32{0, 0, 1, 0}, 1))
}
