package gameday

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"storefront/internal/cart"
	"storefront/internal/storage"
	"storefront/internal/storage/chaos"
)

// RegisterDefaults adds the predefined game-day suite.
func (e *Engine) RegisterDefaults() {
	e.Register(
		LocalWriteOutage(20),
		SlowBackends(5*time.Millisecond, 50),
		ClearDuringOutage(),
		CorruptCookieRestore(),
		FlakyBackends(0.3, 30),
	)
}

// LocalWriteOutage fails every durable write while n products are added.
func LocalWriteOutage(n int) Experiment {
	return Experiment{
		Name:       "local-write-outage",
		Hypothesis: "Mutations keep working in memory and in cookies while the durable backend rejects writes; the next sync after recovery catches it up",
		SteadyState: []Metric{
			lines("==", 0),
			backendsConsistent(),
		},
		Inject: func(rig *Rig) {
			rig.Local.Inject(chaos.Fault{FailWrites: true})
		},
		Workload: addProducts(n, 1),
		Observe: []Metric{
			lines("==", float64(n)),
			logged(cart.KindSync, ">=", float64(n)),
			cookiesCurrent(),
		},
		Recover: func(ctx context.Context, rig *Rig) error {
			return rig.Store.AddToCart(ctx, &cart.Product{ID: "p0", Price: 1})
		},
		Validation: []Metric{
			backendsConsistent(),
			countConsistent(),
		},
	}
}

// SlowBackends adds latency to both backends under concurrent mutations.
func SlowBackends(latency time.Duration, n int) Experiment {
	return Experiment{
		Name:       "slow-backends",
		Hypothesis: "Concurrent mutations against slow backends never lose an update and leave both backends matching memory",
		SteadyState: []Metric{
			lines("==", 0),
		},
		Inject: func(rig *Rig) {
			rig.Cookies.Inject(chaos.Fault{Latency: latency})
			rig.Local.Inject(chaos.Fault{Latency: latency})
		},
		Workload: func(ctx context.Context, rig *Rig) error {
			g, ctx := errgroup.WithContext(ctx)
			for i := range n {
				g.Go(func() error {
					return rig.Store.AddToCart(ctx, &cart.Product{ID: cart.ProductID(fmt.Sprintf("p%d", i%5)), Price: 2})
				})
			}
			return g.Wait()
		},
		Observe: []Metric{
			itemCount("==", float64(n)),
			countConsistent(),
			backendsConsistent(),
		},
		Validation: []Metric{
			logged(cart.KindSync, "==", 0),
		},
	}
}

// ClearDuringOutage clears the cart while cookie removal fails.
func ClearDuringOutage() Experiment {
	return Experiment{
		Name:       "clear-during-outage",
		Hypothesis: "A clear empties memory even when a backend cannot be cleared; clearing again after recovery empties every backend",
		Seed:       seedLocal(`[{"id":"a","price":3,"quantity":2}]`),
		SteadyState: []Metric{
			lines("==", 1),
		},
		Inject: func(rig *Rig) {
			rig.Cookies.Inject(chaos.Fault{FailRemoves: true})
		},
		Workload: func(ctx context.Context, rig *Rig) error {
			if err := rig.Store.AddToCart(ctx, &cart.Product{ID: "b", Price: 1}); err != nil {
				return err
			}
			return rig.Store.ClearCart(ctx)
		},
		Observe: []Metric{
			lines("==", 0),
			logged(cart.KindClear, "==", 1),
		},
		Recover: func(ctx context.Context, rig *Rig) error {
			return rig.Store.ClearCart(ctx)
		},
		Validation: []Metric{
			backendsConsistent(),
			stored("cookies", "==", 0),
			stored("localStorage", "==", 0),
		},
	}
}

// CorruptCookieRestore restarts the store over an unreadable cookie.
func CorruptCookieRestore() Experiment {
	return Experiment{
		Name:       "corrupt-cookie-restore",
		Hypothesis: "A corrupt cookie does not lose the cart when the durable backend still holds it",
		Seed:       seedLocal(`[{"id":"a","price":3,"quantity":2},{"id":"b","price":1,"quantity":1}]`),
		SteadyState: []Metric{
			lines("==", 2),
		},
		Inject: func(rig *Rig) {
			_ = rig.Cookies.Write(context.Background(), cart.DefaultKey, []byte("{not json"))
		},
		Workload: func(ctx context.Context, rig *Rig) error {
			return rig.Open(ctx)
		},
		Observe: []Metric{
			lines("==", 2),
			itemCount("==", 3),
			logged(cart.KindInit, "==", 0),
		},
		Recover: func(ctx context.Context, rig *Rig) error {
			return rig.Store.UpdateQuantity(ctx, "b", 2)
		},
		Validation: []Metric{
			backendsConsistent(),
		},
	}
}

// FlakyBackends fails a share of all backend calls while n products are added.
func FlakyBackends(rate float64, n int) Experiment {
	return Experiment{
		Name:       "flaky-backends",
		Hypothesis: "Random backend failures never corrupt memory; one healthy sync restores agreement",
		SteadyState: []Metric{
			lines("==", 0),
		},
		Inject: func(rig *Rig) {
			rig.Cookies.Inject(chaos.Fault{FailureRate: rate})
			rig.Local.Inject(chaos.Fault{FailureRate: rate})
		},
		Workload: addProducts(n, 0.5),
		Observe: []Metric{
			itemCount("==", float64(n)),
			countConsistent(),
		},
		Recover: func(ctx context.Context, rig *Rig) error {
			return rig.Store.UpdateQuantity(ctx, "p0", rig.Store.GetItemQuantity("p0"))
		},
		Validation: []Metric{
			backendsConsistent(),
		},
	}
}

func addProducts(n int, price float64) func(context.Context, *Rig) error {
	return func(ctx context.Context, rig *Rig) error {
		for i := range n {
			if err := rig.Store.AddToCart(ctx, &cart.Product{ID: cart.ProductID(fmt.Sprintf("p%d", i)), Price: price}); err != nil {
				return err
			}
		}
		return nil
	}
}

func seedLocal(blob string) func(context.Context, *Rig) error {
	return func(ctx context.Context, rig *Rig) error {
		return rig.Local.Write(ctx, cart.DefaultKey, []byte(blob))
	}
}

func lines(op string, v float64) Metric {
	return Metric{
		Name:      "lines",
		Threshold: Threshold{Operator: op, Value: v},
		Query: func(_ context.Context, rig *Rig) (float64, error) {
			return float64(len(rig.Store.Items())), nil
		},
	}
}

func itemCount(op string, v float64) Metric {
	return Metric{
		Name:      "item_count",
		Threshold: Threshold{Operator: op, Value: v},
		Query: func(_ context.Context, rig *Rig) (float64, error) {
			return float64(rig.Store.TotalItemCount()), nil
		},
	}
}

func logged(kind cart.ErrorKind, op string, v float64) Metric {
	return Metric{
		Name:      "logged_" + string(kind),
		Threshold: Threshold{Operator: op, Value: v},
		Query: func(_ context.Context, rig *Rig) (float64, error) {
			return float64(rig.Logged(kind)), nil
		},
	}
}

// countConsistent is 1 when the item count equals the sum of quantities.
func countConsistent() Metric {
	return Metric{
		Name:      "count_consistent",
		Threshold: Threshold{Operator: "==", Value: 1},
		Query: func(_ context.Context, rig *Rig) (float64, error) {
			sum := 0
			for _, li := range rig.Store.Items() {
				sum += li.Quantity
			}
			return boolMetric(sum == rig.Store.TotalItemCount()), nil
		},
	}
}

// cookiesCurrent is 1 when the cookie backend matches memory.
func cookiesCurrent() Metric {
	return Metric{
		Name:      "cookies_current",
		Threshold: Threshold{Operator: "==", Value: 1},
		Query: func(ctx context.Context, rig *Rig) (float64, error) {
			fp, err := fingerprint(ctx, rig.Cookies)
			if err != nil {
				return 0, err
			}
			return boolMetric(fp == cart.Fingerprint(rig.Store.Items())), nil
		},
	}
}

// backendsConsistent is 1 when both backends match memory.
func backendsConsistent() Metric {
	return Metric{
		Name:      "backends_consistent",
		Threshold: Threshold{Operator: "==", Value: 1},
		Query: func(ctx context.Context, rig *Rig) (float64, error) {
			want := cart.Fingerprint(rig.Store.Items())
			for _, b := range []storage.Backend{rig.Cookies, rig.Local} {
				fp, err := fingerprint(ctx, b)
				if err != nil {
					return 0, err
				}
				if fp != want {
					return 0, nil
				}
			}
			return 1, nil
		},
	}
}

// stored counts the lines persisted in one backend.
func stored(backend string, op string, v float64) Metric {
	return Metric{
		Name:      "stored_" + backend,
		Threshold: Threshold{Operator: op, Value: v},
		Query: func(ctx context.Context, rig *Rig) (float64, error) {
			b := storage.Backend(rig.Local)
			if backend == "cookies" {
				b = rig.Cookies
			}
			items, err := read(ctx, b)
			return float64(len(items)), err
		},
	}
}

func fingerprint(ctx context.Context, b storage.Backend) (string, error) {
	items, err := read(ctx, b)
	if err != nil {
		return "", err
	}
	return cart.Fingerprint(items), nil
}

func read(ctx context.Context, b storage.Backend) ([]cart.LineItem, error) {
	blob, err := b.Read(ctx, cart.DefaultKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cart.Decode(blob)
}

func boolMetric(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
