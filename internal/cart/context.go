// internal/cart/context.go
package cart

import (
	"context"
	"time"
)

type ctxKey struct{}

// WithStore returns a copy of ctx carrying svc.
func WithStore(ctx context.Context, svc Service) context.Context {
	return context.WithValue(ctx, ctxKey{}, svc)
}

// FromContext returns the store carried by ctx, or a CONTEXT_ERROR when
// there is none.
func FromContext(ctx context.Context) (Service, error) {
	if svc, ok := ctx.Value(ctxKey{}).(Service); ok && svc != nil {
		return svc, nil
	}
	return nil, &Error{
		Kind:    KindContext,
		Op:      "fromContext",
		Message: "cart accessed outside of a cart scope",
		Err:     ErrNoStore,
		At:      time.Now(),
	}
}

// MustFromContext is like FromContext but panics when ctx carries no store.
func MustFromContext(ctx context.Context) Service {
	svc, err := FromContext(ctx)
	if err != nil {
		panic(err)
	}
	return svc
}
