// internal/cart/persist.go
package cart

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"storefront/internal/storage"
)

var errNotArray = errors.New("cart blob is not a JSON array")

// encodeItems renders items in the persisted layout.
func encodeItems(items []LineItem) ([]byte, error) {
	if items == nil {
		items = []LineItem{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("encode cart: %w", err)
	}
	return b, nil
}

// decodeItems parses a persisted blob. Elements without an id or a usable
// price, with a quantity outside 1..MaxQuantity, or repeating an earlier id
// are dropped.
func decodeItems(blob []byte) ([]LineItem, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}
	if raw == nil {
		return nil, errNotArray
	}

	items := make([]LineItem, 0, len(raw))
	seen := make(map[ProductID]bool, len(raw))
	for _, r := range raw {
		var li LineItem
		if err := json.Unmarshal(r, &li); err != nil {
			continue
		}
		if isBlank(li.ID) || li.Quantity < 1 || li.Quantity > MaxQuantity || seen[li.ID] {
			continue
		}
		if validatePrice(li.ID, li.Price) != nil {
			continue
		}
		seen[li.ID] = true
		items = append(items, li)
	}
	return items, nil
}

// Decode parses a persisted cart blob, dropping unusable lines.
func Decode(blob []byte) ([]LineItem, error) {
	return decodeItems(blob)
}

// Fingerprint returns a short content hash of items, stable for equal carts.
func Fingerprint(items []LineItem) string {
	blob, err := encodeItems(items)
	if err != nil {
		return ""
	}
	sum := blake2b.Sum256(blob)
	return hex.EncodeToString(sum[:16])
}

// allBackends lists every configured backend regardless of preference.
func (s *Store) allBackends() map[string]storage.Backend {
	out := make(map[string]storage.Backend, 2)
	if s.cookies != nil {
		out[string(StorageCookies)] = s.cookies
	}
	if s.local != nil {
		out[string(StorageLocal)] = s.local
	}
	return out
}

// each applies fn to the backends selected by the preference, in order, and
// joins their failures.
func (s *Store) each(fn func(storage.Backend) error) error {
	var errs []error
	if s.pref.usesCookies() {
		if err := fn(s.cookies); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", StorageCookies, err))
		}
	}
	if s.pref.usesLocal() {
		if err := fn(s.local); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", StorageLocal, err))
		}
	}
	return errors.Join(errs...)
}

// sync mirrors items to the preferred backends. An empty cart removes the
// key instead of writing an empty array. Failures are logged as SYNC_ERROR
// and leave memory untouched. sync must run under writeMu.
func (s *Store) sync(ctx context.Context, op string, items []LineItem) {
	ctx, span := s.tracer.Start(context.WithoutCancel(ctx), "cart.sync", trace.WithAttributes(
		attribute.String("cart.op", op),
		attribute.Int("cart.lines", len(items)),
	))
	defer span.End()

	var err error
	if len(items) == 0 {
		err = s.each(func(b storage.Backend) error { return b.Remove(ctx, s.key) })
	} else {
		var blob []byte
		if blob, err = encodeItems(items); err == nil {
			err = s.each(func(b storage.Backend) error { return b.Write(ctx, s.key, blob) })
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync failed")
		s.fail(ctx, KindSync, op, "failed to persist cart", err)
		return
	}
	s.markSynced()
}

// rehydrate restores the cart from cookies, then from local storage. The
// first backend holding a parseable array wins, even an empty one.
func (s *Store) rehydrate(ctx context.Context) {
	defer func() {
		s.setLoading(false)
		close(s.ready)
	}()
	ctx, span := s.tracer.Start(ctx, "cart.rehydrate")
	defer span.End()

	var failures []error
	try := func(name StoragePreference, b storage.Backend) bool {
		items, found, err := s.load(ctx, b)
		if err != nil {
			s.logger.Debug("cart backend unusable", zap.String("backend", string(name)), zap.Error(err))
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
			return false
		}
		if !found {
			return false
		}
		s.mu.Lock()
		s.commitLocked(items)
		s.mu.Unlock()
		span.SetAttributes(
			attribute.String("cart.source", string(name)),
			attribute.Int("cart.lines", len(items)),
		)
		return true
	}

	if s.pref.usesCookies() && try(StorageCookies, s.cookies) {
		return
	}
	if s.pref.usesLocal() && try(StorageLocal, s.local) {
		return
	}
	if len(failures) > 0 {
		err := errors.Join(failures...)
		span.RecordError(err)
		s.fail(ctx, KindInit, "rehydrate", "failed to restore cart", err)
	}
}

// load reads and decodes the cart blob. found is false when the key is absent.
func (s *Store) load(ctx context.Context, b storage.Backend) (items []LineItem, found bool, err error) {
	blob, err := b.Read(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	items, err = decodeItems(blob)
	if err != nil {
		return nil, false, err
	}
	return items, true, nil
}
