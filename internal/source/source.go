// Package source supplies the stream of analysis jobs. The core scheduler
// treats payloads as opaque bytes; only the lightweight header/movetext
// helpers here know anything about the PGN shape of a payload.
package source

import (
	"context"
	"fmt"
)

// Job is one unit of work: a single game to analyze. The payload is opaque
// to the scheduler. IDs must be unique within a run; retry budgets are keyed
// by them.
type Job struct {
	ID      string
	Payload []byte
}

// Source is an asynchronous sequence of jobs. It is exhausted exactly once
// and observed from exactly one producer goroutine. Next returns io.EOF when
// no jobs remain.
type Source interface {
	Next(ctx context.Context) (*Job, error)
}

// ValidationError marks a job payload as structurally invalid. Validation
// failures are permanent: the scheduler drops the job without retrying.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job payload: %s", e.Reason)
}
