package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gambitlab/gambit/internal/analysis"
	"github.com/gambitlab/gambit/internal/cache"
	"github.com/gambitlab/gambit/internal/engine"
	"github.com/gambitlab/gambit/internal/source"
)

const validGame = `[Event "Test Match"]
[White "Alpha"]
[Black "Beta"]
[Result "1-0"]

1. e4 e5 2. Nf3 Nc6 1-0
`

type memStore struct {
	mu      sync.Mutex
	entries map[cache.Key]cache.Result
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[cache.Key]cache.Result)}
}

func (s *memStore) GetBatch(_ context.Context, keys []cache.Key) (map[cache.Key]cache.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[cache.Key]cache.Result)
	for _, k := range keys {
		if res, ok := s.entries[k]; ok {
			out[k] = res
		}
	}
	return out, nil
}

func (s *memStore) PutBatch(_ context.Context, results map[cache.Key]cache.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range results {
		s.entries[k] = v
	}
	return nil
}

func (s *memStore) Close() error { return nil }

// scriptedEngine evaluates positions from a fixed score table, defaulting
// to zero for unknown positions.
type scriptedEngine struct {
	scores map[string]int
}

func (e *scriptedEngine) AnalyzeBatch(_ context.Context, positions []engine.Position) (map[string][]engine.Line, error) {
	out := make(map[string][]engine.Line, len(positions))
	for _, pos := range positions {
		cp := e.scores[pos.Key]
		out[pos.Key] = []engine.Line{{Rank: 1, ScoreCP: &cp, Moves: []string{"a2a3"}}}
	}
	return out, nil
}

func (e *scriptedEngine) ID() string { return "scripted-1" }

func (e *scriptedEngine) Healthy(context.Context) bool { return true }

func (e *scriptedEngine) Close() error { return nil }

func newTestPipeline() *Pipeline {
	logger := zap.NewNop().Sugar()
	provider := analysis.NewProvider(newMemStore(), 12, 1, logger)
	return New(provider, logger)
}

func TestRun_FullPipelineProducesSummaryAndAnnotation(t *testing.T) {
	eng := &scriptedEngine{scores: map[string]int{}}
	p := newTestPipeline()

	gc := &GameContext{JobID: "g0001", Payload: []byte(validGame), Engine: eng}
	require.NoError(t, p.Run(context.Background(), gc))

	require.NotNil(t, gc.Summary)
	assert.Equal(t, "Alpha", gc.Summary.White)
	assert.Equal(t, "Beta", gc.Summary.Black)
	assert.Equal(t, "1-0", gc.Summary.Result)
	assert.Equal(t, 4, gc.Summary.PlyCount)
	assert.Len(t, gc.Positions, 4)
	assert.Len(t, gc.Analyses, 4)

	annotated := string(gc.Annotated)
	assert.Contains(t, annotated, `[White "Alpha"]`)
	assert.Contains(t, annotated, "{+0.00}")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(annotated), "1-0"))
}

func TestRun_InvalidPayloadIsValidationError(t *testing.T) {
	eng := &scriptedEngine{}
	p := newTestPipeline()

	gc := &GameContext{JobID: "bad", Payload: []byte("not a game"), Engine: eng}
	err := p.Run(context.Background(), gc)
	require.Error(t, err)

	var verr *source.ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Nil(t, gc.Summary)
}

func TestRun_HeadersWithoutMovesIsValidationError(t *testing.T) {
	eng := &scriptedEngine{}
	p := newTestPipeline()

	gc := &GameContext{JobID: "empty", Payload: []byte("[Event \"X\"]\n\n*"), Engine: eng}
	err := p.Run(context.Background(), gc)

	var verr *source.ValidationError
	require.True(t, errors.As(err, &verr))
}

func TestRun_CancellationClearsResults(t *testing.T) {
	eng := &scriptedEngine{}
	p := newTestPipeline()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	gc := &GameContext{JobID: "g0001", Payload: []byte(validGame), Engine: eng}
	gc.Summary = &Summary{}
	gc.Annotated = []byte("stale")

	err := p.Run(ctx, gc)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, gc.Summary, "aborted context must not look like a success")
	assert.Nil(t, gc.Annotated)
}

func TestPositionSequence_SharedOpeningPrefix(t *testing.T) {
	a := positionSequence([]string{"e2e4", "e7e5", "g1f3", "b8c6"})
	b := positionSequence([]string{"e2e4", "e7e5", "g1f3", "d7d6"})

	assert.Equal(t, a[:3], b[:3], "shared prefix must share keys")
	assert.NotEqual(t, a[3].Key, b[3].Key, "diverging ply must get a distinct key")
}

// Each derived position must carry the exact move prefix that reaches it,
// so an engine can replay it from the starting position.
func TestPositionSequence_CarriesReplayableMovePrefix(t *testing.T) {
	moves := []string{"e2e4", "e7e5", "g1f3"}
	seq := positionSequence(moves)

	require.Len(t, seq, 3)
	for i, pos := range seq {
		assert.Equal(t, moves[:i+1], pos.Moves)
		assert.NotEmpty(t, pos.Key)
	}
}

func TestSummarize_SwingAccounting(t *testing.T) {
	moves := []string{"e2e4", "e7e5", "g1f3", "b8c6"}
	positions := positionSequence(moves)
	scores := []int{30, 20, 150, 140}

	analyses := make(map[string]cache.Result)
	for i, pos := range positions {
		cp := scores[i]
		analyses[pos.Key] = cache.Result{Lines: []engine.Line{{Rank: 1, ScoreCP: &cp}}}
	}

	gc := &GameContext{
		JobID:     "g0001",
		Tags:      map[string]string{"White": "A", "Black": "B", "Result": "*"},
		Moves:     moves,
		Positions: positions,
		Analyses:  analyses,
	}
	require.NoError(t, summarizeStage{}.Execute(context.Background(), gc))

	// Swings are |-10|, |130|, |-10|; only the middle one is sharp.
	assert.Equal(t, 1, gc.Summary.SharpMoves)
	assert.InDelta(t, 50.0, gc.Summary.MeanSwingCP, 0.001)
}

func TestSummarize_MateScoresClamped(t *testing.T) {
	moves := []string{"d1h5", "g7g6"}
	positions := positionSequence(moves)
	mate := 2
	cp := 50
	analyses := map[string]cache.Result{
		positions[0].Key: {Lines: []engine.Line{{Rank: 1, ScoreCP: &cp}}},
		positions[1].Key: {Lines: []engine.Line{{Rank: 1, ScoreMate: &mate}}},
	}

	gc := &GameContext{
		JobID:     "g0002",
		Tags:      map[string]string{},
		Moves:     moves,
		Positions: positions,
		Analyses:  analyses,
	}
	require.NoError(t, summarizeStage{}.Execute(context.Background(), gc))
	assert.Equal(t, 1, gc.Summary.SharpMoves, "jump to mate counts as sharp")
}
