// Package chaos injects storage faults so the cart's degraded paths can be
// exercised: failed writes, unreadable stores, slow backends.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"storefront/internal/storage"
)

// ErrInjected is the error returned for every injected failure.
var ErrInjected = errors.New("chaos: injected fault")

// Fault describes the faults currently applied to a Backend.
type Fault struct {
	FailReads   bool
	FailWrites  bool
	FailRemoves bool

	// Latency delays every operation; the delay honours context cancellation.
	Latency time.Duration

	// FailureRate fails any operation with this probability (0.0 to 1.0).
	FailureRate float64
}

// Backend wraps another backend and applies the configured Fault.
type Backend struct {
	next storage.Backend

	mu    sync.Mutex
	fault Fault
	calls map[string]int
	rnd   func() float64
}

var _ storage.Backend = (*Backend)(nil)

// Wrap returns a fault-free wrapper around next.
func Wrap(next storage.Backend) *Backend {
	return &Backend{
		next:  next,
		calls: make(map[string]int),
		rnd:   rand.Float64,
	}
}

// Inject replaces the active fault.
func (b *Backend) Inject(f Fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fault = f
}

// Heal removes every fault.
func (b *Backend) Heal() {
	b.Inject(Fault{})
}

// Calls reports how many times op ("read", "write", "remove") was invoked.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *Backend) Read(ctx context.Context, key string) ([]byte, error) {
	if err := b.apply(ctx, "read", func(f Fault) bool { return f.FailReads }); err != nil {
		return nil, err
	}
	return b.next.Read(ctx, key)
}

func (b *Backend) Write(ctx context.Context, key string, value []byte) error {
	if err := b.apply(ctx, "write", func(f Fault) bool { return f.FailWrites }); err != nil {
		return err
	}
	return b.next.Write(ctx, key, value)
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	if err := b.apply(ctx, "remove", func(f Fault) bool { return f.FailRemoves }); err != nil {
		return err
	}
	return b.next.Remove(ctx, key)
}

func (b *Backend) apply(ctx context.Context, op string, failing func(Fault) bool) error {
	b.mu.Lock()
	f := b.fault
	b.calls[op]++
	roll := 1.0
	if f.FailureRate > 0 {
		roll = b.rnd()
	}
	b.mu.Unlock()

	if f.Latency > 0 {
		timer := time.NewTimer(f.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if failing(f) || roll < f.FailureRate {
		return fmt.Errorf("%s: %w", op, ErrInjected)
	}
	return nil
}
