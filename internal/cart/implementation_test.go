package cart

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"storefront/internal/storage"
	"storefront/internal/storage/chaos"
	"storefront/internal/storage/cookie"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	cookies storage.Backend
	local   storage.Backend
	clock   *fakeClock
}

func newFixture() *fixture {
	return &fixture{
		cookies: storage.NewMemory(),
		local:   storage.NewMemory(),
		clock:   newClock(),
	}
}

func (f *fixture) open(t *testing.T, pref StoragePreference) *Store {
	t.Helper()
	s, err := New(context.Background(), Options{
		Preference: pref,
		Cookies:    f.cookies,
		Local:      f.local,
		Now:        f.clock.Now,
	})
	require.NoError(t, err)
	require.NoError(t, s.WaitReady(context.Background()))
	return s
}

func product(id ProductID, price float64) *Product {
	return &Product{ID: id, Price: price}
}

func stored(t require.TestingT, b storage.Backend) []LineItem {
	if h, ok := t.(interface{ Helper() }); ok {
		h.Helper()
	}
	blob, err := b.Read(context.Background(), DefaultKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	items, err := decodeItems(blob)
	require.NoError(t, err)
	return items
}

func kinds(errs []*Error) []ErrorKind {
	out := make([]ErrorKind, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Kind)
	}
	return out
}

func TestNew_RequiresBackendsForPreference(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, Options{Preference: StorageCookies, Local: storage.NewMemory()})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = New(ctx, Options{Preference: StorageLocal, Cookies: storage.NewMemory()})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = New(ctx, Options{Preference: "indexedDB", Cookies: storage.NewMemory(), Local: storage.NewMemory()})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestStore_AddFirstItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.open(t, StorageBoth)

	require.NoError(t, s.AddToCart(ctx, product("1", 10)))

	items := s.Items()
	require.Len(t, items, 1)
	assert.Equal(t, ProductID("1"), items[0].ID)
	assert.Equal(t, 10.0, items[0].Price)
	assert.Equal(t, 1, items[0].Quantity)
	assert.Equal(t, f.clock.Now(), items[0].AddedAt)
	assert.Equal(t, 1, s.TotalItemCount())
	assert.Equal(t, "10.00", s.CalculateTotal())
	assert.False(t, s.IsLoading())
	assert.Equal(t, f.clock.Now(), s.LastSync())

	assert.Len(t, stored(t, f.cookies), 1)
	assert.Len(t, stored(t, f.local), 1)
}

func TestStore_AddExistingIncrements(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.open(t, StorageBoth)

	require.NoError(t, s.AddToCart(ctx, product("1", 10)))
	f.clock.Advance(time.Minute)
	require.NoError(t, s.AddToCart(ctx, product("1", 10)))

	items := s.Items()
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Quantity)
	assert.Equal(t, f.clock.Now().Add(-time.Minute), items[0].AddedAt)
	assert.Equal(t, f.clock.Now(), items[0].LastUpdated)
	assert.Equal(t, "20.00", s.CalculateTotal())
	assert.Equal(t, 2, s.GetItemQuantity("1"))
}

func TestStore_UpdateQuantityZeroRemoves(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.open(t, StorageBoth)

	require.NoError(t, s.AddToCart(ctx, product("1", 10)))
	require.NoError(t, s.AddToCart(ctx, product("1", 10)))
	require.NoError(t, s.UpdateQuantity(ctx, "1", 0))

	assert.Empty(t, s.Items())
	assert.Equal(t, 0, s.TotalItemCount())
	assert.False(t, s.IsInCart("1"))

	_, err := f.cookies.Read(ctx, DefaultKey)
	assert.ErrorIs(t, err, storage.ErrNotFound, "empty cart must clear the cookie backend")
	_, err = f.local.Read(ctx, DefaultKey)
	assert.ErrorIs(t, err, storage.ErrNotFound, "empty cart must clear the local backend")
}

func TestStore_UpdateQuantitySetsExactValue(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.open(t, StorageBoth)

	require.NoError(t, s.AddToCart(ctx, product("a", 2.5)))
	require.NoError(t, s.AddToCart(ctx, product("b", 1)))
	require.NoError(t, s.UpdateQuantity(ctx, "a", 4))
	require.NoError(t, s.UpdateQuantity(ctx, "missing", 9))

	assert.Equal(t, 4, s.GetItemQuantity("a"))
	assert.Equal(t, 1, s.GetItemQuantity("b"))
	assert.Equal(t, 0, s.GetItemQuantity("missing"))
	assert.Equal(t, 5, s.TotalItemCount())
	assert.Equal(t, "11.00", s.CalculateTotal())
	assert.Equal(t, 4, stored(t, f.local)[0].Quantity)
}

func TestStore_ValidationRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.open(t, StorageBoth)
	require.NoError(t, s.AddToCart(ctx, product("keep", 1)))

	tests := []struct {
		name string
		run  func() error
	}{
		{"nil product", func() error { return s.AddToCart(ctx, nil) }},
		{"empty product", func() error { return s.AddToCart(ctx, &Product{Price: math.NaN()}) }},
		{"missing id", func() error { return s.AddToCart(ctx, product("", 1)) }},
		{"negative price", func() error { return s.AddToCart(ctx, product("2", -5)) }},
		{"infinite price", func() error { return s.AddToCart(ctx, product("2", math.Inf(1))) }},
		{"remove empty id", func() error { return s.RemoveFromCart(ctx, " ") }},
		{"update empty id", func() error { return s.UpdateQuantity(ctx, "", 1) }},
		{"update negative", func() error { return s.UpdateQuantity(ctx, "keep", -1) }},
		{"update above limit", func() error { return s.UpdateQuantity(ctx, "keep", MaxQuantity+1) }},
		{"update max int", func() error { return s.UpdateQuantity(ctx, "keep", math.MaxInt) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(s.Errors())
			err := tt.run()
			require.Error(t, err)
			assert.True(t, IsKind(err, KindValidation))
			assert.ErrorIs(t, err, ErrInvalidInput)

			assert.Equal(t, 1, s.GetItemQuantity("keep"))
			assert.Len(t, s.Items(), 1)
			errs := s.Errors()
			assert.Equal(t, KindValidation, errs[len(errs)-1].Kind)
			if before < errorLogSize {
				assert.Len(t, errs, before+1)
			}
		})
	}
}

func TestStore_AddAtQuantityLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.open(t, StorageBoth)
	require.NoError(t, s.AddToCart(ctx, product("a", 1)))
	require.NoError(t, s.UpdateQuantity(ctx, "a", MaxQuantity))

	err := s.AddToCart(ctx, product("a", 1))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Equal(t, MaxQuantity, s.GetItemQuantity("a"))
	assert.Equal(t, MaxQuantity, s.TotalItemCount())
	assert.Equal(t, "9999.00", s.CalculateTotal())
	assert.Equal(t, MaxQuantity, stored(t, f.local)[0].Quantity)

	reopened := f.open(t, StorageLocal)
	assert.Equal(t, MaxQuantity, reopened.GetItemQuantity("a"), "a line at the limit survives rehydration")
}

func TestStore_ItemCountSaturates(t *testing.T) {
	f := newFixture()
	s := f.open(t, StorageBoth)

	s.mu.Lock()
	s.commitLocked([]LineItem{
		{Product: Product{ID: "a", Price: 1}, Quantity: math.MaxInt},
		{Product: Product{ID: "b", Price: 1}, Quantity: math.MaxInt},
	})
	s.mu.Unlock()

	assert.Equal(t, math.MaxInt, s.TotalItemCount())
}

func TestStore_RemoveAbsentIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.open(t, StorageBoth)
	require.NoError(t, s.AddToCart(ctx, product("1", 10)))

	require.NoError(t, s.RemoveFromCart(ctx, "999"))

	assert.Len(t, s.Items(), 1)
	assert.Empty(t, s.Errors())
}

func TestStore_ClearIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.open(t, StorageBoth)
	require.NoError(t, s.AddToCart(ctx, product("1", 10)))

	require.NoError(t, s.ClearCart(ctx))
	assert.Empty(t, s.Items())
	require.NoError(t, s.ClearCart(ctx))
	assert.Empty(t, s.Items())
	assert.Equal(t, 0, s.TotalItemCount())
	assert.Empty(t, s.Errors())
}

func TestStore_ClearRemovesBothBackendsRegardlessOfPreference(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	require.NoError(t, f.local.Write(ctx, DefaultKey, []byte(`[{"id":"stale","price":1,"quantity":1}]`)))

	s := f.open(t, StorageCookies)
	require.NoError(t, s.AddToCart(ctx, product("1", 10)))
	require.NoError(t, s.ClearCart(ctx))

	assert.Nil(t, stored(t, f.cookies))
	assert.Nil(t, stored(t, f.local))
}

func TestStore_SyncFailureKeepsMemory(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	local := chaos.Wrap(f.local)
	f.local = local
	s := f.open(t, StorageBoth)

	local.Inject(chaos.Fault{FailWrites: true})
	require.NoError(t, s.AddToCart(ctx, product("1", 10)))

	assert.True(t, s.IsInCart("1"))
	assert.Equal(t, []ErrorKind{KindSync}, kinds(s.Errors()))
	assert.ErrorIs(t, s.Errors()[0], chaos.ErrInjected)
	assert.True(t, s.LastSync().IsZero(), "partial sync must not advance LastSync")
	assert.Len(t, stored(t, f.cookies), 1, "cookie write still happens when local fails")

	local.Heal()
	require.NoError(t, s.AddToCart(ctx, product("1", 10)))
	assert.Equal(t, 2, stored(t, local)[0].Quantity)
	assert.False(t, s.LastSync().IsZero())
}

func TestStore_ClearFailureLogsClearError(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	cookies := chaos.Wrap(f.cookies)
	f.cookies = cookies
	s := f.open(t, StorageBoth)
	require.NoError(t, s.AddToCart(ctx, product("1", 10)))

	cookies.Inject(chaos.Fault{FailRemoves: true})
	require.NoError(t, s.ClearCart(ctx))

	assert.Empty(t, s.Items())
	assert.Equal(t, []ErrorKind{KindClear}, kinds(s.Errors()))
	assert.Nil(t, stored(t, f.local), "healthy backend is still cleared")
}

func TestStore_RoundTripPersistence(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.open(t, StorageBoth)

	p := product("sku-9", 3.25)
	require.NoError(t, p.SetField("title", "Candle"))
	require.NoError(t, s.AddToCart(ctx, p))
	require.NoError(t, s.AddToCart(ctx, product("sku-2", 1)))
	require.NoError(t, s.UpdateQuantity(ctx, "sku-2", 3))

	again := f.open(t, StorageBoth)
	assert.Equal(t, s.Items(), again.Items())
	assert.Equal(t, s.CalculateTotal(), again.CalculateTotal())
	assert.Empty(t, again.Errors())
}

func TestStore_RehydratePrefersCookies(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	require.NoError(t, f.cookies.Write(ctx, DefaultKey, []byte(`[{"id":"c","price":1,"quantity":1}]`)))
	require.NoError(t, f.local.Write(ctx, DefaultKey, []byte(`[{"id":"l","price":1,"quantity":1}]`)))

	assert.True(t, f.open(t, StorageBoth).IsInCart("c"))
	assert.True(t, f.open(t, StorageLocal).IsInCart("l"))
}

func TestStore_RehydrateFallsBackToLocal(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	require.NoError(t, f.cookies.Write(ctx, DefaultKey, []byte(`{broken`)))
	require.NoError(t, f.local.Write(ctx, DefaultKey, []byte(`[{"id":"l","price":2,"quantity":2}]`)))

	s := f.open(t, StorageBoth)
	assert.Equal(t, 2, s.GetItemQuantity("l"))
	assert.Empty(t, s.Errors(), "a yielding backend hides earlier parse failures")
}

func TestStore_RehydrateEmptyArrayWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	require.NoError(t, f.cookies.Write(ctx, DefaultKey, []byte(`[]`)))
	require.NoError(t, f.local.Write(ctx, DefaultKey, []byte(`[{"id":"l","price":1,"quantity":1}]`)))

	s := f.open(t, StorageBoth)
	assert.Empty(t, s.Items())
}

func TestStore_RehydrateFailureLogsInitError(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	require.NoError(t, f.cookies.Write(ctx, DefaultKey, []byte(`{broken`)))
	local := chaos.Wrap(f.local)
	local.Inject(chaos.Fault{FailReads: true})
	f.local = local

	s := f.open(t, StorageBoth)
	assert.Empty(t, s.Items())
	assert.False(t, s.IsLoading())
	assert.Equal(t, []ErrorKind{KindInit}, kinds(s.Errors()))
}

func TestStore_RehydrateMissingKeyIsSilent(t *testing.T) {
	s := newFixture().open(t, StorageBoth)
	assert.Empty(t, s.Items())
	assert.Empty(t, s.Errors())
}

func TestStore_MutationWaitsForRehydration(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	require.NoError(t, f.local.Write(ctx, DefaultKey, []byte(`[{"id":"old","price":1,"quantity":1}]`)))
	local := chaos.Wrap(f.local)
	local.Inject(chaos.Fault{Latency: 20 * time.Millisecond})

	s, err := New(ctx, Options{Preference: StorageLocal, Local: local, Now: f.clock.Now})
	require.NoError(t, err)
	assert.True(t, s.IsLoading())

	require.NoError(t, s.AddToCart(ctx, product("new", 1)))
	assert.True(t, s.IsInCart("old"), "rehydrated items must not be overwritten by an early mutation")
	assert.True(t, s.IsInCart("new"))
}

func TestStore_CanceledContextBeforeReady(t *testing.T) {
	f := newFixture()
	local := chaos.Wrap(f.local)
	local.Inject(chaos.Fault{Latency: 20 * time.Millisecond})

	s, err := New(context.Background(), Options{Preference: StorageLocal, Local: local})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.AddToCart(ctx, product("1", 1)), context.Canceled)
	assert.ErrorIs(t, s.ClearCart(ctx), context.Canceled)

	require.NoError(t, s.WaitReady(context.Background()))
	assert.Empty(t, s.Items())
}

func TestStore_CalculateTotalOnCorruptLine(t *testing.T) {
	f := newFixture()
	s := f.open(t, StorageBoth)

	s.mu.Lock()
	s.commitLocked([]LineItem{{Product: Product{ID: "x", Price: math.NaN()}, Quantity: 1}})
	s.mu.Unlock()

	assert.Equal(t, "0.00", s.CalculateTotal())
	assert.Equal(t, []ErrorKind{KindCalculation}, kinds(s.Errors()))
}

func TestStore_ErrorLogIsBounded(t *testing.T) {
	ctx := context.Background()
	var seen []*Error
	var mu sync.Mutex

	s, err := New(ctx, Options{
		Preference: StorageLocal,
		Local:      storage.NewMemory(),
		OnError: func(e *Error) {
			mu.Lock()
			seen = append(seen, e)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	for range 8 {
		require.Error(t, s.AddToCart(ctx, nil))
	}
	assert.Len(t, s.Errors(), errorLogSize)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 8, "every error reaches the callback")
}

func TestStore_ConcurrentAdds(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	s := f.open(t, StorageBoth)

	var g errgroup.Group
	for i := range 100 {
		g.Go(func() error {
			return s.AddToCart(ctx, product(ProductID(fmt.Sprintf("p%d", i%10)), 1.5))
		})
	}
	require.NoError(t, g.Wait())

	items := s.Items()
	assert.Len(t, items, 10)
	for _, li := range items {
		assert.Equal(t, 10, li.Quantity, li.ID)
	}
	assert.Equal(t, 100, s.TotalItemCount())
	assert.Equal(t, "150.00", s.CalculateTotal())
	assert.Equal(t, items, stored(t, f.local), "last persisted state matches memory")
}

func TestStore_ClearOrdersAfterPendingMutations(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	local := chaos.Wrap(f.local)
	local.Inject(chaos.Fault{Latency: 2 * time.Millisecond})
	f.local = local
	s := f.open(t, StorageBoth)

	for round := range 10 {
		var g errgroup.Group
		for i := range 10 {
			g.Go(func() error { return s.AddToCart(ctx, product(ProductID(fmt.Sprint(round, "-", i)), 1)) })
		}

		// Clear while at least one sync is still sleeping in the local backend.
		writes := local.Calls("write")
		require.Eventually(t, func() bool { return local.Calls("write") > writes }, time.Second, 100*time.Microsecond)
		require.NoError(t, s.ClearCart(ctx))
		require.NoError(t, g.Wait())

		want := Fingerprint(s.Items())
		assert.Equal(t, want, Fingerprint(stored(t, f.cookies)), "round %d cookies", round)
		assert.Equal(t, want, Fingerprint(stored(t, local)), "round %d local", round)
		assert.Less(t, len(s.Items()), 10, "round %d clear ran before the last add", round)

		require.NoError(t, s.ClearCart(ctx))
	}

	require.NoError(t, s.ClearCart(ctx))
	assert.Nil(t, stored(t, f.cookies))
	assert.Nil(t, stored(t, local))
}

func TestStore_CookieJarBackend(t *testing.T) {
	ctx := context.Background()
	jar := cookie.New(cookie.Options{})
	s, err := New(ctx, Options{Preference: StorageCookies, Cookies: jar})
	require.NoError(t, err)
	require.NoError(t, s.WaitReady(ctx))

	p := product("a", 4)
	require.NoError(t, p.SetField("title", "Tea & Biscuits"))
	require.NoError(t, s.AddToCart(ctx, p))

	again, err := New(ctx, Options{Preference: StorageCookies, Cookies: jar})
	require.NoError(t, err)
	require.NoError(t, again.WaitReady(ctx))
	assert.Equal(t, s.Items(), again.Items())
}

func TestStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	s := newFixture().open(t, StorageBoth)

	empty := s.Snapshot()
	assert.NotNil(t, empty.Items)
	assert.Equal(t, "0.00", empty.Total)

	require.NoError(t, s.AddToCart(ctx, product("a", 1.25)))
	require.NoError(t, s.AddToCart(ctx, product("a", 1.25)))

	snap := s.Snapshot()
	assert.Len(t, snap.Items, 1)
	assert.Equal(t, 2, snap.TotalItemCount)
	assert.Equal(t, "2.50", snap.Total)
	assert.False(t, snap.IsLoading)
	assert.Empty(t, snap.Errors)
}
