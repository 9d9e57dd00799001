package analysis

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gambitlab/gambit/internal/cache"
	"github.com/gambitlab/gambit/internal/engine"
)

type memStore struct {
	mu      sync.Mutex
	entries map[cache.Key]cache.Result
	puts    int
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[cache.Key]cache.Result)}
}

func (m *memStore) GetBatch(ctx context.Context, keys []cache.Key) (map[cache.Key]cache.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[cache.Key]cache.Result)
	for _, k := range keys {
		if res, ok := m.entries[k]; ok {
			out[k] = res
		}
	}
	return out, nil
}

func (m *memStore) PutBatch(ctx context.Context, results map[cache.Key]cache.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	for k, v := range results {
		m.entries[k] = v
	}
	return nil
}

func (m *memStore) Close() error { return nil }

type fakeEngine struct {
	id      string
	calls   [][]string
	healthy bool
}

func (f *fakeEngine) AnalyzeBatch(ctx context.Context, positions []engine.Position) (map[string][]engine.Line, error) {
	ids := make([]string, 0, len(positions))
	out := make(map[string][]engine.Line, len(positions))
	for _, pos := range positions {
		ids = append(ids, pos.Key)
		cp := len(pos.Key)
		out[pos.Key] = []engine.Line{{Rank: 1, ScoreCP: &cp, Moves: []string{"e2e4"}}}
	}
	f.calls = append(f.calls, ids)
	return out, nil
}

func (f *fakeEngine) ID() string { return f.id }

func (f *fakeEngine) Healthy(ctx context.Context) bool { return f.healthy }

func (f *fakeEngine) Close() error { return nil }

func key(pos string, engineID string) cache.Key {
	return cache.Key{Position: pos, Depth: 12, MultiPV: 3, EngineID: engineID}
}

func positionsFor(ids ...string) []engine.Position {
	out := make([]engine.Position, len(ids))
	for i, id := range ids {
		out[i] = engine.Position{Key: id, Moves: []string{"e2e4"}}
	}
	return out
}

func TestAnalyses_PartialHitCallsEngineWithExactMisses(t *testing.T) {
	store := newMemStore()
	eng := &fakeEngine{id: "sf-16"}

	// Pre-populate 2 of the 5 positions.
	cp := 30
	seeded := cache.Result{Lines: []engine.Line{{Rank: 1, ScoreCP: &cp, Moves: []string{"d2d4"}}}}
	store.entries[key("p1", "sf-16")] = seeded
	store.entries[key("p4", "sf-16")] = seeded

	p := NewProvider(store, 12, 3, zap.NewNop().Sugar())
	ids := []string{"p1", "p2", "p3", "p4", "p5"}
	out, err := p.Analyses(context.Background(), positionsFor(ids...), eng)
	require.NoError(t, err)

	require.Len(t, out, 5)
	require.Len(t, eng.calls, 1)
	assert.ElementsMatch(t, []string{"p2", "p3", "p5"}, eng.calls[0])

	// Cache hits come back untouched.
	assert.Equal(t, seeded, out["p1"])

	// Afterwards the cache holds all five keys.
	for _, id := range ids {
		_, ok := store.entries[key(id, "sf-16")]
		assert.True(t, ok, "cache should contain %s", id)
	}
}

func TestAnalyses_AllHitsNeverInvokeEngine(t *testing.T) {
	store := newMemStore()
	eng := &fakeEngine{id: "sf-16"}
	for _, pos := range []string{"a", "b"} {
		store.entries[key(pos, "sf-16")] = cache.Result{}
	}

	p := NewProvider(store, 12, 3, zap.NewNop().Sugar())
	out, err := p.Analyses(context.Background(), positionsFor("a", "b"), eng)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Empty(t, eng.calls, "engine must not be invoked on a full cache hit")
	assert.Zero(t, store.puts)
}

func TestAnalyses_EngineIdentifierPartitionsCache(t *testing.T) {
	store := newMemStore()
	store.entries[key("a", "sf-15")] = cache.Result{}

	p := NewProvider(store, 12, 3, zap.NewNop().Sugar())
	eng := &fakeEngine{id: "sf-16"}
	_, err := p.Analyses(context.Background(), positionsFor("a"), eng)
	require.NoError(t, err)

	// The sf-15 entry does not satisfy an sf-16 lookup.
	require.Len(t, eng.calls, 1)
	assert.Equal(t, []string{"a"}, eng.calls[0])
}

func TestAnalyses_EmptyInput(t *testing.T) {
	p := NewProvider(newMemStore(), 12, 3, zap.NewNop().Sugar())
	eng := &fakeEngine{id: "sf-16"}
	out, err := p.Analyses(context.Background(), nil, eng)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, eng.calls)
}
