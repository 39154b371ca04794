package cart

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"storefront/internal/storage"
)

// cartModel tracks what a cart should contain after a sequence of operations.
type cartModel struct {
	qty   map[ProductID]int
	price map[ProductID]float64
}

func TestStore_Properties(t *testing.T) {
	ids := []ProductID{"a", "b", "c", "d"}

	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		local := storage.NewMemory()
		s, err := New(ctx, Options{Preference: StorageBoth, Cookies: storage.NewMemory(), Local: local})
		require.NoError(rt, err)
		require.NoError(rt, s.WaitReady(ctx))

		m := cartModel{qty: map[ProductID]int{}, price: map[ProductID]float64{}}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for range steps {
			id := rapid.SampledFrom(ids).Draw(rt, "id")
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				cents := rapid.IntRange(0, 100000).Draw(rt, "cents")
				price := float64(cents) / 100
				require.NoError(rt, s.AddToCart(ctx, &Product{ID: id, Price: price}))
				if m.qty[id] == 0 {
					m.price[id] = price
				}
				m.qty[id]++
			case 1:
				n := rapid.IntRange(-2, 6).Draw(rt, "n")
				err := s.UpdateQuantity(ctx, id, n)
				switch {
				case n < 0:
					require.True(rt, IsKind(err, KindValidation))
				case m.qty[id] == 0:
					require.NoError(rt, err)
				default:
					require.NoError(rt, err)
					m.qty[id] = n
				}
			case 2:
				require.NoError(rt, s.RemoveFromCart(ctx, id))
				m.qty[id] = 0
			case 3:
				if rapid.IntRange(0, 9).Draw(rt, "clear") == 0 {
					require.NoError(rt, s.ClearCart(ctx))
					clear(m.qty)
				}
			}
		}

		items := s.Items()
		seen := map[ProductID]bool{}
		count := 0
		var total float64
		for _, li := range items {
			require.False(rt, seen[li.ID], "duplicate line %s", li.ID)
			seen[li.ID] = true
			require.GreaterOrEqual(rt, li.Quantity, 1)
			require.Equal(rt, m.qty[li.ID], li.Quantity)
			require.Equal(rt, m.price[li.ID], li.Price)
			count += li.Quantity
			total += li.Price * float64(li.Quantity)
		}
		for id, q := range m.qty {
			require.Equal(rt, q > 0, seen[id], "presence of %s", id)
		}

		require.Equal(rt, count, s.TotalItemCount())
		require.Equal(rt, strconv.FormatFloat(total, 'f', 2, 64), s.CalculateTotal())
		require.Equal(rt, Fingerprint(items), Fingerprint(stored(rt, local)))
	})
}
