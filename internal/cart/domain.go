// internal/cart/domain.go
package cart

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// DefaultKey is the storage key of the cart blob in every backend.
const DefaultKey = "cart"

// MaxQuantity is the largest quantity a line may hold.
const MaxQuantity = 9999

// timeLayout matches the ISO-8601 form browsers produce (millisecond, UTC).
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// ProductID identifies a product. Numeric JSON ids keep their literal text.
type ProductID string

// UnmarshalJSON accepts a JSON string or number.
func (id *ProductID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("product id: %w", err)
		}
		*id = ProductID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("product id: %w", err)
	}
	*id = ProductID(n.String())
	return nil
}

// Product is the product snapshot handed to AddToCart. Fields carries every
// other product attribute (title, thumbnail, ...) untouched.
type Product struct {
	ID     ProductID
	Price  float64
	Fields map[string]json.RawMessage
}

// reserved keys are owned by the cart and never carried in Fields.
var reserved = map[string]bool{
	"id":          true,
	"price":       true,
	"quantity":    true,
	"addedAt":     true,
	"lastUpdated": true,
}

// UnmarshalJSON decodes a product object. A missing or non-numeric price
// decodes to NaN so validation rejects it.
func (p *Product) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("product: %w", err)
	}
	return p.fromRaw(raw)
}

func (p *Product) fromRaw(raw map[string]json.RawMessage) error {
	*p = Product{Price: math.NaN()}

	if v, ok := raw["id"]; ok {
		if err := p.ID.UnmarshalJSON(v); err != nil {
			return err
		}
	}
	if v, ok := raw["price"]; ok && !bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		var price float64
		if err := json.Unmarshal(v, &price); err == nil {
			p.Price = price
		}
	}
	for k, v := range raw {
		if reserved[k] {
			continue
		}
		if p.Fields == nil {
			p.Fields = make(map[string]json.RawMessage)
		}
		p.Fields[k] = v
	}
	return nil
}

// MarshalJSON encodes the product with its pass-through fields.
func (p Product) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.toMap())
}

func (p Product) toMap() map[string]any {
	m := make(map[string]any, len(p.Fields)+5)
	for k, v := range p.Fields {
		if !reserved[k] {
			m[k] = v
		}
	}
	m["id"] = string(p.ID)
	if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) {
		m["price"] = nil
	} else {
		m["price"] = p.Price
	}
	return m
}

// SetField stores v, JSON-encoded, as a pass-through field.
func (p *Product) SetField(key string, v any) error {
	if reserved[key] {
		return fmt.Errorf("field %q is reserved", key)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	if p.Fields == nil {
		p.Fields = make(map[string]json.RawMessage)
	}
	p.Fields[key] = b
	return nil
}

// Field decodes the pass-through field key into dst. It reports false when
// the field is absent or does not decode.
func (p Product) Field(key string, dst any) bool {
	v, ok := p.Fields[key]
	if !ok {
		return false
	}
	return json.Unmarshal(v, dst) == nil
}

// LineItem is one product entry in the cart.
type LineItem struct {
	Product
	Quantity    int
	AddedAt     time.Time
	LastUpdated time.Time
}

// MarshalJSON encodes the item in the persisted layout.
func (li LineItem) MarshalJSON() ([]byte, error) {
	m := li.Product.toMap()
	m["quantity"] = li.Quantity
	m["addedAt"] = formatTime(li.AddedAt)
	m["lastUpdated"] = formatTime(li.LastUpdated)
	return json.Marshal(m)
}

// UnmarshalJSON decodes the persisted layout. Unparseable timestamps decode
// to the zero time; a missing or non-integer quantity decodes to 0.
func (li *LineItem) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("line item: %w", err)
	}

	*li = LineItem{}
	if err := li.Product.fromRaw(raw); err != nil {
		return err
	}
	if v, ok := raw["quantity"]; ok {
		var q int
		if err := json.Unmarshal(v, &q); err == nil {
			li.Quantity = q
		}
	}
	li.AddedAt = parseTime(raw["addedAt"])
	li.LastUpdated = parseTime(raw["lastUpdated"])
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(raw json.RawMessage) time.Time {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// StoragePreference selects the backends a store mirrors to.
type StoragePreference string

const (
	StorageCookies StoragePreference = "cookies"
	StorageLocal   StoragePreference = "localStorage"
	StorageBoth    StoragePreference = "both"
)

// ParseStoragePreference maps a configuration string to a preference. The
// empty string selects StorageBoth.
func ParseStoragePreference(s string) (StoragePreference, error) {
	switch StoragePreference(s) {
	case "", StorageBoth:
		return StorageBoth, nil
	case StorageCookies, StorageLocal:
		return StoragePreference(s), nil
	}
	return "", fmt.Errorf("%w: unknown storage preference %q", ErrInvalidInput, s)
}

func (p StoragePreference) usesCookies() bool { return p == StorageCookies || p == StorageBoth }
func (p StoragePreference) usesLocal() bool   { return p == StorageLocal || p == StorageBoth }

// Snapshot is a read-only view of the cart.
type Snapshot struct {
	Items          []LineItem `json:"items"`
	TotalItemCount int        `json:"totalItemCount"`
	Total          string     `json:"total"`
	IsLoading      bool       `json:"isLoading"`
	LastSync       time.Time  `json:"lastSync"`
	Errors         []*Error   `json:"errors"`
}
