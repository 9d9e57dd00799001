package source

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strings"
	"sync"
)

var eventTag = []byte(`[Event "`)

// PGNFile streams one Job per game from a PGN database file. Games are
// recognized by their `[Event "` header line; the text of each game is the
// payload, untouched. The file is read once up front so the orchestrator can
// report a total before processing starts.
type PGNFile struct {
	games [][]byte

	mu   sync.Mutex
	next int
}

// OpenPGN reads and splits the file at path. It fails on I/O errors or when
// the file contains no games at all; malformed individual games are left for
// the pipeline's validation to reject.
func OpenPGN(path string) (*PGNFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pgn file: %w", err)
	}
	games := splitGames(raw)
	if len(games) == 0 {
		return nil, fmt.Errorf("no games found in %s", path)
	}
	return &PGNFile{games: games}, nil
}

// Count reports the number of games in the file.
func (f *PGNFile) Count() int { return len(f.games) }

// Next returns the next game as a Job, or io.EOF once all games have been
// produced. Job IDs are derived from the game headers and made unique with
// the game's ordinal, since a file may legitimately contain two games with
// identical headers.
func (f *PGNFile) Next(ctx context.Context) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.games) {
		return nil, io.EOF
	}
	payload := f.games[f.next]
	id := gameID(payload, f.next)
	f.next++
	return &Job{ID: id, Payload: payload}, nil
}

func splitGames(raw []byte) [][]byte {
	var games [][]byte
	var start = -1
	offset := 0
	for {
		idx := bytes.Index(raw[offset:], eventTag)
		if idx < 0 {
			break
		}
		abs := offset + idx
		// Only a tag at the start of a line opens a new game.
		if abs != 0 && raw[abs-1] != '\n' {
			offset = abs + 1
			continue
		}
		if start >= 0 {
			games = append(games, bytes.TrimSpace(raw[start:abs]))
		}
		start = abs
		offset = abs + len(eventTag)
	}
	if start >= 0 {
		if g := bytes.TrimSpace(raw[start:]); len(g) > 0 {
			games = append(games, g)
		}
	}
	return games
}

// gameID builds a stable identifier from the players, date and round plus
// the game's position in the file.
func gameID(payload []byte, ordinal int) string {
	tags := Tags(payload)
	h := fnv.New64a()
	for _, k := range []string{"White", "Black", "Date", "Round", "Site"} {
		h.Write([]byte(tags[k]))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("g%04d-%x", ordinal+1, h.Sum64()&0xffffffff)
}

// Tags parses the `[Key "Value"]` header section of a game payload.
func Tags(payload []byte) map[string]string {
	tags := make(map[string]string)
	for _, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") || !strings.HasSuffix(line, "]") {
			continue
		}
		inner := line[1 : len(line)-1]
		sp := strings.IndexByte(inner, ' ')
		if sp < 0 {
			continue
		}
		key := inner[:sp]
		val := strings.TrimSpace(inner[sp+1:])
		val = strings.Trim(val, `"`)
		tags[key] = val
	}
	return tags
}

// MoveTokens extracts the bare move tokens from a payload's movetext,
// dropping move numbers, comments, variations, annotations and the result
// marker. It does not validate the moves themselves; they stay opaque.
func MoveTokens(payload []byte) []string {
	text := string(payload)

	// Movetext starts after the last header tag line.
	var body []string
	inHeaders := true
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if inHeaders {
			if trimmed == "" || strings.HasPrefix(trimmed, "[") {
				continue
			}
			inHeaders = false
		}
		body = append(body, trimmed)
	}

	var moves []string
	depth := 0 // nesting of ( variations )
	inComment := false
	for _, tok := range strings.Fields(strings.Join(body, " ")) {
		switch {
		case inComment:
			if strings.HasSuffix(tok, "}") {
				inComment = false
			}
		case strings.HasPrefix(tok, "{"):
			if !strings.HasSuffix(tok, "}") {
				inComment = true
			}
		case strings.HasPrefix(tok, "("):
			depth++
		case strings.HasSuffix(tok, ")"):
			if depth > 0 {
				depth--
			}
		case depth > 0:
			// skip variation content
		case isResult(tok), isMoveNumber(tok), strings.HasPrefix(tok, "$"):
			// skip
		default:
			if tok != "" {
				moves = append(moves, tok)
			}
		}
	}
	return moves
}

func isResult(tok string) bool {
	switch tok {
	case "1-0", "0-1", "1/2-1/2", "*":
		return true
	}
	return false
}

// isMoveNumber matches "1.", "1...", and the bare "..." continuation marker.
func isMoveNumber(tok string) bool {
	if !strings.Contains(tok, ".") {
		return false
	}
	trimmed := strings.TrimRight(tok, ".")
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
