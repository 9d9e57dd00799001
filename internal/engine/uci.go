package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config describes how to launch and drive one UCI engine process.
type Config struct {
	Path    string            `yaml:"path"`
	Depth   int               `yaml:"depth"`
	MultiPV int               `yaml:"multipv"`
	Options map[string]string `yaml:"options"`
}

const readyTimeout = 5 * time.Second

// UCI drives an external engine subprocess over the Universal Chess
// Interface. The zero value is not usable; construct with NewUCI.
type UCI struct {
	cfg    Config
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  *bufio.Scanner
	id     string
	logger *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
}

// NewUCI starts the engine binary, performs the uci/isready handshake and
// applies the configured options. It is the Factory implementation used by
// the engine pool.
func NewUCI(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (Engine, error) {
	cmd := exec.CommandContext(ctx, cfg.Path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &InitError{Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &InitError{Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &InitError{Err: fmt.Errorf("starting %s: %w", cfg.Path, err)}
	}

	u := &UCI{
		cfg:    cfg,
		cmd:    cmd,
		stdin:  stdin,
		lines:  bufio.NewScanner(stdout),
		logger: logger,
	}

	if err := u.handshake(ctx); err != nil {
		_ = u.Close()
		return nil, &InitError{Err: err}
	}
	logger.Infow("engine started", "id", u.id, "path", cfg.Path)
	return u, nil
}

func (u *UCI) handshake(ctx context.Context) error {
	if err := u.send("uci"); err != nil {
		return err
	}
	for {
		line, err := u.readLine(ctx, readyTimeout)
		if err != nil {
			return fmt.Errorf("waiting for uciok: %w", err)
		}
		if name, ok := strings.CutPrefix(line, "id name "); ok {
			u.id = strings.TrimSpace(name)
		}
		if line == "uciok" {
			break
		}
	}
	if u.id == "" {
		u.id = u.cfg.Path
	}

	keys := make([]string, 0, len(u.cfg.Options))
	for k := range u.cfg.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := u.send(fmt.Sprintf("setoption name %s value %s", k, u.cfg.Options[k])); err != nil {
			return err
		}
	}
	if err := u.send(fmt.Sprintf("setoption name MultiPV value %d", u.cfg.MultiPV)); err != nil {
		return err
	}
	return u.awaitReady(ctx)
}

// AnalyzeBatch reconstructs each position by replaying its move sequence
// from the starting position and evaluates it to the configured depth,
// returning the top MultiPV lines keyed by Position.Key. Positions whose
// moves are not coordinate notation are rejected with a plain error before
// anything reaches the process, and cancellation surfaces as ctx.Err();
// neither invalidates the handle. A protocol failure does, reported as an
// AnalysisError.
func (u *UCI) AnalyzeBatch(ctx context.Context, positions []Position) (map[string][]Line, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil, &AnalysisError{EngineID: u.id, Err: fmt.Errorf("engine closed")}
	}

	out := make(map[string][]Line, len(positions))
	for _, pos := range positions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := validateMoves(pos.Moves); err != nil {
			return nil, fmt.Errorf("position %s: %w", pos.Key, err)
		}
		lines, err := u.analyzeOne(ctx, pos)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			u.closed = true
			return nil, &AnalysisError{EngineID: u.id, Err: err}
		}
		out[pos.Key] = lines
	}
	return out, nil
}

// positionCommand builds the UCI position command replaying the move
// sequence from the standard starting position.
func positionCommand(moves []string) string {
	if len(moves) == 0 {
		return "position startpos"
	}
	return "position startpos moves " + strings.Join(moves, " ")
}

// validateMoves rejects move sequences the engine cannot replay. The check
// is purely syntactic; legality is the engine's problem.
func validateMoves(moves []string) error {
	for _, mv := range moves {
		if !isCoordinateMove(mv) {
			return fmt.Errorf("move %q is not coordinate notation", mv)
		}
	}
	return nil
}

// isCoordinateMove matches UCI coordinate notation: source square, target
// square, optional promotion piece.
func isCoordinateMove(tok string) bool {
	if len(tok) != 4 && len(tok) != 5 {
		return false
	}
	if tok[0] < 'a' || tok[0] > 'h' || tok[1] < '1' || tok[1] > '8' ||
		tok[2] < 'a' || tok[2] > 'h' || tok[3] < '1' || tok[3] > '8' {
		return false
	}
	if len(tok) == 5 {
		switch tok[4] {
		case 'q', 'r', 'b', 'n':
		default:
			return false
		}
	}
	return true
}

func (u *UCI) analyzeOne(ctx context.Context, pos Position) ([]Line, error) {
	if err := u.send(positionCommand(pos.Moves)); err != nil {
		return nil, err
	}
	if err := u.send(fmt.Sprintf("go depth %d", u.cfg.Depth)); err != nil {
		return nil, err
	}

	// The engine streams "info" lines while searching; the lines at the
	// target depth carry the final multipv ranking. "bestmove" terminates
	// the search.
	best := make(map[int]Line)
	for {
		line, err := u.readLine(ctx, time.Minute)
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(line, "bestmove") {
			break
		}
		if parsed, ok := parseInfoLine(line); ok {
			best[parsed.Rank] = parsed
		}
	}

	ranked := make([]Line, 0, len(best))
	for _, l := range best {
		ranked = append(ranked, l)
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Rank < ranked[j].Rank })
	return ranked, nil
}

// parseInfoLine extracts the rank, score and principal variation from a UCI
// "info" line. Lines without a score or pv (currmove chatter etc.) report ok
// as false.
func parseInfoLine(s string) (Line, bool) {
	if !strings.HasPrefix(s, "info ") {
		return Line{}, false
	}
	fields := strings.Fields(s)
	l := Line{Rank: 1}
	sawScore := false
	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "multipv":
			if i+1 < len(fields) {
				if n, err := strconv.Atoi(fields[i+1]); err == nil {
					l.Rank = n
				}
			}
		case "score":
			if i+2 < len(fields) {
				n, err := strconv.Atoi(fields[i+2])
				if err != nil {
					return Line{}, false
				}
				switch fields[i+1] {
				case "cp":
					l.ScoreCP = &n
					sawScore = true
				case "mate":
					l.ScoreMate = &n
					sawScore = true
				}
				i += 2
			}
		case "pv":
			l.Moves = append([]string(nil), fields[i+1:]...)
			i = len(fields)
		}
	}
	return l, sawScore && len(l.Moves) > 0
}

// ID reports the engine identifier from the uci handshake.
func (u *UCI) ID() string { return u.id }

// Healthy pings the process with isready.
func (u *UCI) Healthy(ctx context.Context) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return false
	}
	if err := u.awaitReady(ctx); err != nil {
		u.logger.Warnw("engine health check failed", "id", u.id, "error", err)
		u.closed = true
		return false
	}
	return true
}

func (u *UCI) awaitReady(ctx context.Context) error {
	if err := u.send("isready"); err != nil {
		return err
	}
	for {
		line, err := u.readLine(ctx, readyTimeout)
		if err != nil {
			return err
		}
		if line == "readyok" {
			return nil
		}
	}
}

// Close asks the process to quit and falls back to killing it.
func (u *UCI) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cmd.Process == nil {
		return nil
	}
	u.closed = true
	_ = u.send("quit")
	done := make(chan error, 1)
	go func() { done <- u.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		_ = u.cmd.Process.Kill()
		return <-done
	}
}

func (u *UCI) send(cmd string) error {
	_, err := io.WriteString(u.stdin, cmd+"\n")
	return err
}

func (u *UCI) readLine(ctx context.Context, timeout time.Duration) (string, error) {
	type scanned struct {
		line string
		err  error
	}
	ch := make(chan scanned, 1)
	go func() {
		if u.lines.Scan() {
			ch <- scanned{line: strings.TrimSpace(u.lines.Text())}
			return
		}
		err := u.lines.Err()
		if err == nil {
			err = io.EOF
		}
		ch <- scanned{err: err}
	}()
	select {
	case s := <-ch:
		return s.line, s.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(timeout):
		return "", fmt.Errorf("engine unresponsive after %v", timeout)
	}
}
