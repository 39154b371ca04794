// internal/cart/service.go
package cart

import (
	"context"
	"time"
)

// Service defines the cart operations available to consumers.
type Service interface {
	AddToCart(ctx context.Context, p *Product) error
	RemoveFromCart(ctx context.Context, id ProductID) error
	UpdateQuantity(ctx context.Context, id ProductID, quantity int) error
	ClearCart(ctx context.Context) error

	CalculateTotal() string
	IsInCart(id ProductID) bool
	GetItemQuantity(id ProductID) int

	Items() []LineItem
	TotalItemCount() int
	IsLoading() bool
	LastSync() time.Time
	Errors() []*Error
	Snapshot() Snapshot
	WaitReady(ctx context.Context) error
}
