package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/gambitlab/gambit/internal/retry"
)

const schema = `
CREATE TABLE IF NOT EXISTS analysis_cache (
	position  TEXT    NOT NULL,
	depth     INTEGER NOT NULL,
	multipv   INTEGER NOT NULL,
	engine_id TEXT    NOT NULL,
	lines     TEXT    NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (position, depth, multipv, engine_id)
)`

// getChunk keeps batched SELECTs under SQLite's bound-parameter limit
// (4 parameters per key, default limit 999).
const getChunk = 200

// SQLite is a Store backed by a local SQLite database in WAL mode. Transient
// lock contention is absorbed here with backoff retries; callers above this
// layer never see it.
type SQLite struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// OpenSQLite opens (creating if needed) the cache database at path.
func OpenSQLite(path string, logger *zap.SugaredLogger) (*SQLite, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging cache db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing cache schema: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

// GetBatch looks up all keys in one statement per chunk. Missing keys are
// simply absent from the returned map.
func (s *SQLite) GetBatch(ctx context.Context, keys []Key) (map[Key]Result, error) {
	found := make(map[Key]Result, len(keys))
	for start := 0; start < len(keys); start += getChunk {
		chunk := keys[start:min(start+getChunk, len(keys))]
		if err := s.withRetry(ctx, func(ctx context.Context) error {
			return s.getChunk(ctx, chunk, found)
		}); err != nil {
			return nil, fmt.Errorf("cache lookup: %w", err)
		}
	}
	return found, nil
}

func (s *SQLite) getChunk(ctx context.Context, keys []Key, into map[Key]Result) error {
	preds := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)*4)
	for _, k := range keys {
		preds = append(preds, "(position = ? AND depth = ? AND multipv = ? AND engine_id = ?)")
		args = append(args, k.Position, k.Depth, k.MultiPV, k.EngineID)
	}

	query := "SELECT position, depth, multipv, engine_id, lines FROM analysis_cache WHERE " +
		strings.Join(preds, " OR ")
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var k Key
		var raw string
		if err := rows.Scan(&k.Position, &k.Depth, &k.MultiPV, &k.EngineID, &raw); err != nil {
			return err
		}
		var res Result
		if err := json.Unmarshal([]byte(raw), &res.Lines); err != nil {
			// A corrupt row is treated as a miss so it gets recomputed
			// and overwritten.
			s.logger.Warnw("dropping undecodable cache row", "position", k.Position, "error", err)
			continue
		}
		into[k] = res
	}
	return rows.Err()
}

// PutBatch stores all results in one transaction. Existing keys are
// overwritten; storing is never an error from the caller's perspective of
// key collisions.
func (s *SQLite) PutBatch(ctx context.Context, results map[Key]Result) error {
	if len(results) == 0 {
		return nil
	}
	return s.withRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO analysis_cache
				(position, depth, multipv, engine_id, lines, stored_at)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now().Unix()
		for k, res := range results {
			raw, err := json.Marshal(res.Lines)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, k.Position, k.Depth, k.MultiPV, k.EngineID, string(raw), now); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	return retry.Do(ctx, op,
		retry.WithAttempts(4),
		retry.WithBackoff(50*time.Millisecond, 2*time.Second),
		retry.WithRetryIf(isBusy),
		retry.WithOnRetry(func(attempt int, err error) {
			s.logger.Warnw("cache contention, retrying", "attempt", attempt, "error", err)
		}),
	)
}

// isBusy reports whether err is SQLite lock contention, the one transient
// failure mode of a WAL database shared by concurrent jobs.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
