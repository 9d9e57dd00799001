package pipeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/gambitlab/gambit/internal/analysis"
	"github.com/gambitlab/gambit/internal/engine"
)

// sharpSwingCP is the centipawn swing above which a ply counts as sharp.
const sharpSwingCP = 100

// mateScoreCP stands in for a mate score when computing swings.
const mateScoreCP = 10000

// extractStage parses the payload into tags and move tokens and derives the
// opaque position keys the analysis stage will look up. Structural problems
// surface as ValidationError, which the scheduler treats as permanent.
type extractStage struct{}

func (extractStage) Name() string { return "extract" }

func (extractStage) Execute(_ context.Context, gc *GameContext) error {
	tags, moves, err := extractGame(gc.Payload)
	if err != nil {
		return err
	}
	gc.Tags = tags
	gc.Moves = moves
	gc.Positions = positionSequence(moves)
	return nil
}

// positionSequence derives one position per ply: the cache key is a hash
// chain over the move tokens, the moves are the prefix that replays the
// position. Two games that share an opening prefix share the keys for that
// prefix, so cached evaluations carry across games.
func positionSequence(moves []string) []engine.Position {
	seq := make([]engine.Position, 0, len(moves))
	h := fnv.New64a()
	for i, mv := range moves {
		h.Write([]byte(mv))
		h.Write([]byte{0})
		seq = append(seq, engine.Position{
			Key:   fmt.Sprintf("p%016x", h.Sum64()),
			Moves: moves[:i+1],
		})
	}
	return seq
}

// analyzeStage resolves evaluations for every position of the game, serving
// from cache where possible and invoking the attempt's engine for the rest.
type analyzeStage struct {
	provider *analysis.Provider
}

func (analyzeStage) Name() string { return "analyze" }

func (s *analyzeStage) Execute(ctx context.Context, gc *GameContext) error {
	results, err := s.provider.Analyses(ctx, gc.Positions, gc.Engine)
	if err != nil {
		return err
	}
	gc.Analyses = results
	return nil
}

// summarizeStage folds the per-position evaluations into a Summary.
type summarizeStage struct{}

func (summarizeStage) Name() string { return "summarize" }

func (summarizeStage) Execute(_ context.Context, gc *GameContext) error {
	evals := topEvals(gc)

	var sumSwing float64
	var sharp int
	var swings int
	prev := 0
	for i, cp := range evals {
		if i > 0 {
			swing := math.Abs(float64(cp - prev))
			sumSwing += swing
			swings++
			if swing >= sharpSwingCP {
				sharp++
			}
		}
		prev = cp
	}
	mean := 0.0
	if swings > 0 {
		mean = sumSwing / float64(swings)
	}

	gc.Summary = &Summary{
		GameID:      gc.JobID,
		White:       gc.Tags["White"],
		Black:       gc.Tags["Black"],
		Result:      gc.Tags["Result"],
		Event:       gc.Tags["Event"],
		PlyCount:    len(gc.Moves),
		MeanSwingCP: mean,
		SharpMoves:  sharp,
	}
	return nil
}

// topEvals returns the rank-1 centipawn evaluation for each ply, in move
// order. Positions with no analysis repeat the previous value so a cache gap
// does not register as a swing. Mate scores are clamped to a large sentinel.
func topEvals(gc *GameContext) []int {
	evals := make([]int, 0, len(gc.Positions))
	last := 0
	for _, pos := range gc.Positions {
		if res, ok := gc.Analyses[pos.Key]; ok && len(res.Lines) > 0 {
			last = lineScoreCP(res.Lines[0])
		}
		evals = append(evals, last)
	}
	return evals
}

func lineScoreCP(ln engine.Line) int {
	if ln.ScoreCP != nil {
		return *ln.ScoreCP
	}
	if ln.ScoreMate != nil {
		if *ln.ScoreMate < 0 {
			return -mateScoreCP
		}
		return mateScoreCP
	}
	return 0
}

// annotateStage rebuilds the movetext with an evaluation comment after each
// ply, preserving the original header section verbatim.
type annotateStage struct{}

func (annotateStage) Name() string { return "annotate" }

func (annotateStage) Execute(_ context.Context, gc *GameContext) error {
	var b strings.Builder
	writeHeaders(&b, gc.Payload)
	b.WriteByte('\n')

	evals := topEvals(gc)
	for i, mv := range gc.Moves {
		if i%2 == 0 {
			fmt.Fprintf(&b, "%d. ", i/2+1)
		}
		b.WriteString(mv)
		fmt.Fprintf(&b, " {%+.2f} ", float64(evals[i])/100)
	}
	if res := gc.Tags["Result"]; res != "" {
		b.WriteString(res)
	} else {
		b.WriteString("*")
	}
	b.WriteByte('\n')

	gc.Annotated = []byte(b.String())
	return nil
}

func writeHeaders(b *strings.Builder, payload []byte) {
	for _, line := range strings.Split(string(payload), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			b.WriteString(trimmed)
			b.WriteByte('\n')
			continue
		}
		if trimmed != "" {
			break
		}
	}
}
