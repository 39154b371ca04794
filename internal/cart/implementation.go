// internal/cart/implementation.go
package cart

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storefront/internal/storage"
)

// Options configures a Store.
type Options struct {
	// Preference selects the backends mutations are mirrored to.
	Preference StoragePreference

	// Cookies is the transient backend; required unless Preference is StorageLocal.
	Cookies storage.Backend

	// Local is the durable backend; required unless Preference is StorageCookies.
	Local storage.Backend

	// Key names the cart blob in both backends. Defaults to DefaultKey.
	Key string

	// OnError receives every logged error. Defaults to a Warn log line.
	OnError func(*Error)

	Logger *zap.Logger
	Now    func() time.Time
}

// Store owns one shopper's cart. All mutations and their persistence run
// under a single writer lock, so backends observe mutations in order.
type Store struct {
	pref    StoragePreference
	key     string
	cookies storage.Backend
	local   storage.Backend
	onError func(*Error)
	logger  *zap.Logger
	now     func() time.Time

	tracer   trace.Tracer
	errCount metric.Int64Counter

	writeMu sync.Mutex

	mu       sync.RWMutex
	items    []LineItem
	count    int
	loading  bool
	lastSync time.Time
	errs     errorLog

	ready chan struct{}
}

var _ Service = (*Store)(nil)

// New validates opts and starts rehydrating from the configured backends.
// Mutations issued before rehydration finishes wait for it.
func New(ctx context.Context, opts Options) (*Store, error) {
	pref, err := ParseStoragePreference(string(opts.Preference))
	if err != nil {
		return nil, err
	}
	if pref.usesCookies() && opts.Cookies == nil {
		return nil, fmt.Errorf("%w: preference %q needs a cookie backend", ErrInvalidInput, pref)
	}
	if pref.usesLocal() && opts.Local == nil {
		return nil, fmt.Errorf("%w: preference %q needs a local backend", ErrInvalidInput, pref)
	}

	s := &Store{
		pref:    pref,
		key:     opts.Key,
		cookies: opts.Cookies,
		local:   opts.Local,
		onError: opts.OnError,
		logger:  opts.Logger,
		now:     opts.Now,
		tracer:  otel.Tracer("storefront/cart"),
		loading: true,
		ready:   make(chan struct{}),
	}
	if s.key == "" {
		s.key = DefaultKey
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.onError == nil {
		s.onError = s.logError
	}

	s.errCount, err = otel.Meter("storefront/cart").Int64Counter("storefront.cart.errors",
		metric.WithDescription("Cart errors by kind."),
	)
	if err != nil {
		s.logger.Warn("cart error counter unavailable", zap.Error(err))
		s.errCount, _ = noop.NewMeterProvider().Meter("storefront/cart").Int64Counter("storefront.cart.errors")
	}

	go s.rehydrate(context.WithoutCancel(ctx))
	return s, nil
}

// WaitReady blocks until rehydration has finished or ctx is done.
func (s *Store) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddToCart appends p with quantity 1, or increments the quantity of the
// line with the same id. A line already at MaxQuantity is left as is.
func (s *Store) AddToCart(ctx context.Context, p *Product) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.end()

	if err := validateProduct(p); err != nil {
		return s.fail(ctx, KindValidation, "addToCart", "invalid product", err)
	}
	if s.GetItemQuantity(p.ID) >= MaxQuantity {
		return s.fail(ctx, KindValidation, "addToCart", "quantity limit reached",
			fmt.Errorf("%w: product %s already has quantity %d", ErrInvalidInput, p.ID, MaxQuantity))
	}

	now := s.now()
	s.mu.Lock()
	items := slices.Clone(s.items)
	if i := indexOf(items, p.ID); i >= 0 {
		items[i].Quantity++
		items[i].LastUpdated = now
	} else {
		items = append(items, LineItem{
			Product:     cloneProduct(p),
			Quantity:    1,
			AddedAt:     now,
			LastUpdated: now,
		})
	}
	s.commitLocked(items)
	s.mu.Unlock()

	s.sync(ctx, "addToCart", items)
	return nil
}

// RemoveFromCart drops the line with the given id. An absent id is not an error.
func (s *Store) RemoveFromCart(ctx context.Context, id ProductID) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.end()

	if isBlank(id) {
		return s.fail(ctx, KindValidation, "removeFromCart", "invalid product id",
			fmt.Errorf("%w: product id is missing", ErrInvalidInput))
	}
	s.remove(ctx, "removeFromCart", id)
	return nil
}

// UpdateQuantity sets the quantity of the line with the given id. Zero
// removes the line.
func (s *Store) UpdateQuantity(ctx context.Context, id ProductID, quantity int) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.end()

	switch {
	case isBlank(id):
		return s.fail(ctx, KindValidation, "updateQuantity", "invalid product id",
			fmt.Errorf("%w: product id is missing", ErrInvalidInput))
	case quantity < 0:
		return s.fail(ctx, KindValidation, "updateQuantity", "invalid quantity",
			fmt.Errorf("%w: quantity %d is negative", ErrInvalidInput, quantity))
	case quantity > MaxQuantity:
		return s.fail(ctx, KindValidation, "updateQuantity", "invalid quantity",
			fmt.Errorf("%w: quantity %d exceeds %d", ErrInvalidInput, quantity, MaxQuantity))
	case quantity == 0:
		s.remove(ctx, "updateQuantity", id)
		return nil
	}

	now := s.now()
	s.mu.Lock()
	items := slices.Clone(s.items)
	if i := indexOf(items, id); i >= 0 {
		items[i].Quantity = quantity
		items[i].LastUpdated = now
	}
	s.commitLocked(items)
	s.mu.Unlock()

	s.sync(ctx, "updateQuantity", items)
	return nil
}

// ClearCart empties the cart and removes the blob from both backends,
// whatever the preference. A backend failure is logged as CLEAR_ERROR; the
// in-memory cart stays empty. The only returned error is ctx's, when it ends
// before rehydration does.
func (s *Store) ClearCart(ctx context.Context) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.end()

	s.mu.Lock()
	s.commitLocked(nil)
	s.mu.Unlock()

	ctx, span := s.tracer.Start(context.WithoutCancel(ctx), "cart.clear")
	defer span.End()

	var g errgroup.Group
	for name, b := range s.allBackends() {
		g.Go(func() error {
			if err := b.Remove(ctx, s.key); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "clear failed")
		s.fail(ctx, KindClear, "clearCart", "failed to clear stored cart", err)
		return nil
	}

	s.markSynced()
	return nil
}

// CalculateTotal returns the cart total with two decimals. A corrupt line
// logs CALCULATION_ERROR and yields "0.00".
func (s *Store) CalculateTotal() string {
	s.mu.RLock()
	total, err := sumTotal(s.items)
	s.mu.RUnlock()

	if err != nil {
		s.fail(context.Background(), KindCalculation, "calculateTotal", "failed to compute total", err)
		return "0.00"
	}
	return strconv.FormatFloat(total, 'f', 2, 64)
}

// IsInCart reports whether a line with id exists.
func (s *Store) IsInCart(id ProductID) bool {
	if isBlank(id) {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return indexOf(s.items, id) >= 0
}

// GetItemQuantity returns the quantity of id, or 0.
func (s *Store) GetItemQuantity(id ProductID) int {
	if isBlank(id) {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := indexOf(s.items, id); i >= 0 {
		return s.items[i].Quantity
	}
	return 0
}

func (s *Store) Items() []LineItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.items)
}

func (s *Store) TotalItemCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

func (s *Store) IsLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// LastSync is the time of the last persistence that reached every backend.
func (s *Store) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

// Errors returns the last errors, oldest first.
func (s *Store) Errors() []*Error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errs.list()
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{
		Items:          slices.Clone(s.items),
		TotalItemCount: s.count,
		IsLoading:      s.loading,
		LastSync:       s.lastSync,
		Errors:         s.errs.list(),
	}
	s.mu.RUnlock()

	if snap.Items == nil {
		snap.Items = []LineItem{}
	}
	snap.Total = s.CalculateTotal()
	return snap
}

func (s *Store) begin(ctx context.Context) error {
	if err := s.WaitReady(ctx); err != nil {
		return err
	}
	s.writeMu.Lock()
	s.setLoading(true)
	return nil
}

func (s *Store) end() {
	s.setLoading(false)
	s.writeMu.Unlock()
}

func (s *Store) setLoading(v bool) {
	s.mu.Lock()
	s.loading = v
	s.mu.Unlock()
}

func (s *Store) markSynced() {
	s.mu.Lock()
	s.lastSync = s.now()
	s.mu.Unlock()
}

// remove must run under writeMu.
func (s *Store) remove(ctx context.Context, op string, id ProductID) {
	s.mu.Lock()
	items := slices.DeleteFunc(slices.Clone(s.items), func(li LineItem) bool { return li.ID == id })
	s.commitLocked(items)
	s.mu.Unlock()

	s.sync(ctx, op, items)
}

// commitLocked replaces the items and recomputes the item count, which
// saturates at math.MaxInt.
func (s *Store) commitLocked(items []LineItem) {
	s.items = items
	s.count = 0
	for _, li := range items {
		if li.Quantity > math.MaxInt-s.count {
			s.count = math.MaxInt
			return
		}
		s.count += li.Quantity
	}
}

func (s *Store) fail(ctx context.Context, kind ErrorKind, op, msg string, err error) *Error {
	e := &Error{Kind: kind, Op: op, Message: msg, Err: err, At: s.now()}

	s.mu.Lock()
	s.errs.push(e)
	s.mu.Unlock()

	s.errCount.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	s.onError(e)
	return e
}

func (s *Store) logError(e *Error) {
	s.logger.Warn("cart error",
		zap.String("kind", string(e.Kind)),
		zap.String("op", e.Op),
		zap.String("message", e.Message),
		zap.Error(e.Err),
	)
}

func validateProduct(p *Product) error {
	switch {
	case p == nil:
		return fmt.Errorf("%w: product is missing", ErrInvalidInput)
	case isBlank(p.ID):
		return fmt.Errorf("%w: product id is missing", ErrInvalidInput)
	}
	return validatePrice(p.ID, p.Price)
}

func validatePrice(id ProductID, price float64) error {
	switch {
	case math.IsNaN(price) || math.IsInf(price, 0):
		return fmt.Errorf("%w: product %s has no numeric price", ErrInvalidInput, id)
	case price < 0:
		return fmt.Errorf("%w: product %s has negative price %v", ErrInvalidInput, id, price)
	}
	return nil
}

func sumTotal(items []LineItem) (float64, error) {
	var total float64
	for _, li := range items {
		line := li.Price * float64(li.Quantity)
		if math.IsNaN(line) || math.IsInf(line, 0) || line < 0 {
			return 0, fmt.Errorf("%w: line %s price=%v quantity=%d", ErrCorruptTotal, li.ID, li.Price, li.Quantity)
		}
		total += line
	}
	if math.IsInf(total, 0) {
		return 0, fmt.Errorf("%w: total overflows", ErrCorruptTotal)
	}
	return total, nil
}

func indexOf(items []LineItem, id ProductID) int {
	return slices.IndexFunc(items, func(li LineItem) bool { return li.ID == id })
}

func cloneProduct(p *Product) Product {
	return Product{ID: p.ID, Price: p.Price, Fields: maps.Clone(p.Fields)}
}

func isBlank(id ProductID) bool {
	return strings.TrimSpace(string(id)) == ""
}
