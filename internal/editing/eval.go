// Package editing decides when a session's context should be edited on
// read and applies the configured editing strategies.
package editing

import (
	"context"
	"sync"

	"github.com/suPer8Hu/acontext-api/internal/models"
)

// CountFunc counts the tokens of a message snapshot. It may be expensive.
type CountFunc func(ctx context.Context, msgs []models.Message) (int, error)

// Eval is an immutable message snapshot with a lazily computed token count.
type Eval struct {
	SessionID string

	msgs  []models.Message
	count CountFunc

	mu     sync.Mutex
	done   bool
	tokens int
}

func NewEval(sessionID string, msgs []models.Message, count CountFunc) *Eval {
	return &Eval{
		SessionID: sessionID,
		msgs:      append([]models.Message(nil), msgs...),
		count:     count,
	}
}

// Messages returns a copy of the snapshot.
func (e *Eval) Messages() []models.Message {
	return append([]models.Message(nil), e.msgs...)
}

// Tokens returns the snapshot's token count. The counter runs at most once
// successfully; a failed count is not memoized.
func (e *Eval) Tokens(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return e.tokens, nil
	}
	n, err := e.count(ctx, e.msgs)
	if err != nil {
		return 0, err
	}
	e.tokens, e.done = n, true
	return n, nil
}

// SameSnapshot reports whether a and b hold the same messages, by id and
// order.
func SameSnapshot(a, b []models.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}
