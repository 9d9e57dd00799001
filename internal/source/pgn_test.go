package source

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoGames = `[Event "Casual Game"]
[Site "Berlin"]
[White "Anderssen, Adolf"]
[Black "Kieseritzky, Lionel"]
[Result "1-0"]

1. e4 e5 2. f4 exf4 3. Bc4 1-0

[Event "Casual Game"]
[Site "Paris"]
[White "Morphy, Paul"]
[Black "Duke Karl"]
[Result "1-0"]

1. e4 e5 2. Nf3 {a comment} d6 3. d4 (3. Bc4 exd4) Bg4 1-0
`

func writePGN(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "games.pgn")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestOpenPGN_SplitsAndCounts(t *testing.T) {
	f, err := OpenPGN(writePGN(t, twoGames))
	require.NoError(t, err)
	assert.Equal(t, 2, f.Count())
}

func TestOpenPGN_EmptyFileFails(t *testing.T) {
	_, err := OpenPGN(writePGN(t, "no games here\n"))
	require.Error(t, err)
}

func TestNext_ProducesUniqueIDsThenEOF(t *testing.T) {
	f, err := OpenPGN(writePGN(t, twoGames))
	require.NoError(t, err)

	ctx := context.Background()
	j1, err := f.Next(ctx)
	require.NoError(t, err)
	j2, err := f.Next(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, j1.ID, j2.ID)
	assert.Contains(t, string(j1.Payload), "Anderssen")
	assert.Contains(t, string(j2.Payload), "Morphy")

	_, err = f.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestNext_IdenticalHeadersStillUnique(t *testing.T) {
	// Two games with byte-identical headers must not share a retry budget.
	game := "[Event \"X\"]\n[White \"A\"]\n[Black \"B\"]\n\n1. e4 e5 *\n"
	f, err := OpenPGN(writePGN(t, game+"\n"+game))
	require.NoError(t, err)

	j1, _ := f.Next(context.Background())
	j2, _ := f.Next(context.Background())
	assert.NotEqual(t, j1.ID, j2.ID)
}

func TestTags(t *testing.T) {
	tags := Tags([]byte("[Event \"Casual\"]\n[White \"Anderssen, Adolf\"]\n\n1. e4 *"))
	assert.Equal(t, "Casual", tags["Event"])
	assert.Equal(t, "Anderssen, Adolf", tags["White"])
}

func TestMoveTokens_StripsNoise(t *testing.T) {
	payload := []byte(`[Event "X"]

1. e4 {king pawn} e5 2. Nf3 (2. f4 {gambit} exf4) Nc6 3. Bb5 $1 a6 1-0`)
	moves := MoveTokens(payload)
	assert.Equal(t, []string{"e4", "e5", "Nf3", "Nc6", "Bb5", "a6"}, moves)
}

func TestMoveTokens_BlackContinuation(t *testing.T) {
	payload := []byte("[Event \"X\"]\n\n1. e4 e5 2. Nf3 {pin} 2... Nc6 *")
	assert.Equal(t, []string{"e4", "e5", "Nf3", "Nc6"}, MoveTokens(payload))
}
