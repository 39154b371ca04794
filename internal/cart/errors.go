// internal/cart/errors.go
package cart

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNoStore      = errors.New("no cart store in context")
	ErrCorruptTotal = errors.New("corrupt cart total")
)

// ErrorKind tags a cart error.
type ErrorKind string

const (
	// KindInit: no configured backend yielded a usable cart at startup.
	KindInit ErrorKind = "INIT_ERROR"
	// KindSync: a persistence write failed after memory was updated.
	KindSync ErrorKind = "SYNC_ERROR"
	// KindValidation: a mutation was called with malformed arguments.
	KindValidation ErrorKind = "VALIDATION_ERROR"
	// KindCalculation: the total could not be computed.
	KindCalculation ErrorKind = "CALCULATION_ERROR"
	// KindClear: backend cleanup during ClearCart failed.
	KindClear ErrorKind = "CLEAR_ERROR"
	// KindContext: an accessor ran without a store.
	KindContext ErrorKind = "CONTEXT_ERROR"
)

// Error is a logged cart error.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
	At      time.Time
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// MarshalJSON exposes the error to HTTP clients.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := struct {
		Kind    ErrorKind `json:"kind"`
		Op      string    `json:"op"`
		Message string    `json:"message"`
		Cause   string    `json:"cause,omitempty"`
		At      time.Time `json:"at"`
	}{
		Kind:    e.Kind,
		Op:      e.Op,
		Message: e.Message,
		At:      e.At,
	}
	if e.Err != nil {
		out.Cause = e.Err.Error()
	}
	return json.Marshal(out)
}

// IsKind reports whether err wraps a cart *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// errorLogSize bounds the diagnostic error history.
const errorLogSize = 5

// errorLog is a ring buffer of the most recent errors.
type errorLog struct {
	entries [errorLogSize]*Error
	next    int
	n       int
}

func (l *errorLog) push(e *Error) {
	l.entries[l.next] = e
	l.next = (l.next + 1) % errorLogSize
	if l.n < errorLogSize {
		l.n++
	}
}

// list returns the entries oldest first.
func (l *errorLog) list() []*Error {
	out := make([]*Error, 0, l.n)
	start := (l.next - l.n + errorLogSize) % errorLogSize
	for i := 0; i < l.n; i++ {
		out = append(out, l.entries[(start+i)%errorLogSize])
	}
	return out
}
