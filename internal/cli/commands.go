package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"storefront/internal/cart"
)

// AddOptions holds flags for the add command.
type AddOptions struct {
	*RootOptions
	ID     string
	Price  float64
	Title  string
	Fields []string
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add one unit of a product to the cart",
		Long: `Add one unit of a product to the cart. Adding a product that is
already in the cart increments its quantity.

Example:
  cartctl add --id sku-1 --price 19.99 --title Mug --field color=blue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.product()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid product", err)
			}
			return run(cmd, opts.RootOptions, func(s *session) error {
				err := s.apply(cmd.Context(), func(ctx context.Context) error {
					return s.store.AddToCart(ctx, p)
				})
				if err != nil {
					return err
				}
				return s.out.Success(s.store.Snapshot(), func(w io.Writer) {
					fmt.Fprintf(w, "added %s (quantity %d)\n", quoted(p.ID), s.store.GetItemQuantity(p.ID))
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "product id")
	cmd.Flags().Float64Var(&opts.Price, "price", 0, "unit price")
	cmd.Flags().StringVar(&opts.Title, "title", "", "product title")
	cmd.Flags().StringArrayVar(&opts.Fields, "field", nil, "extra product field as key=value (value may be JSON)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("price")

	return cmd
}

func (o *AddOptions) product() (*cart.Product, error) {
	p := &cart.Product{ID: cart.ProductID(o.ID), Price: o.Price}
	if o.Title != "" {
		if err := p.SetField("title", o.Title); err != nil {
			return nil, err
		}
	}
	for _, kv := range o.Fields {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("field %q: want key=value", kv)
		}
		var v any = value
		if json.Valid([]byte(value)) {
			v = json.RawMessage(value)
		}
		if err := p.SetField(key, v); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// NewRemoveCommand creates the remove command.
func NewRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a product from the cart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := cart.ProductID(args[0])
			return run(cmd, rootOpts, func(s *session) error {
				err := s.apply(cmd.Context(), func(ctx context.Context) error {
					return s.store.RemoveFromCart(ctx, id)
				})
				if err != nil {
					return err
				}
				return s.out.Success(s.store.Snapshot(), func(w io.Writer) {
					fmt.Fprintf(w, "removed %s\n", quoted(id))
				})
			})
		},
	}
}

// NewSetCommand creates the set command.
func NewSetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <id> <quantity>",
		Short: "Set the quantity of a product; 0 removes it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := cart.ProductID(args[0])
			quantity, err := strconv.Atoi(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "quantity must be an integer", err)
			}
			return run(cmd, rootOpts, func(s *session) error {
				err := s.apply(cmd.Context(), func(ctx context.Context) error {
					return s.store.UpdateQuantity(ctx, id, quantity)
				})
				if err != nil {
					return err
				}
				return s.out.Success(s.store.Snapshot(), func(w io.Writer) {
					fmt.Fprintf(w, "%s quantity %d\n", quoted(id), s.store.GetItemQuantity(id))
				})
			})
		},
	}
}

// NewClearCommand creates the clear command.
func NewClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Empty the cart in every backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, func(s *session) error {
				if err := s.apply(cmd.Context(), s.store.ClearCart); err != nil {
					return err
				}
				return s.out.Success(s.store.Snapshot(), func(w io.Writer) {
					fmt.Fprintln(w, "cart cleared")
				})
			})
		},
	}
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the cart contents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, func(s *session) error {
				snap := s.store.Snapshot()
				return s.out.Success(snap, func(w io.Writer) {
					printItems(w, snap)
				})
			})
		},
	}
}

// NewTotalCommand creates the total command.
func NewTotalCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "total",
		Short: "Print the cart total",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, func(s *session) error {
				data := map[string]any{
					"total":          s.store.CalculateTotal(),
					"totalItemCount": s.store.TotalItemCount(),
				}
				return s.out.Success(data, func(w io.Writer) {
					fmt.Fprintln(w, data["total"])
				})
			})
		},
	}
}

func printItems(w io.Writer, snap cart.Snapshot) {
	if len(snap.Items) == 0 {
		fmt.Fprintln(w, "cart is empty")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tPRICE\tQTY")
	for _, li := range snap.Items {
		var title string
		li.Field("title", &title)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", li.ID, title, strconv.FormatFloat(li.Price, 'f', 2, 64), li.Quantity)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d item(s), total %s\n", snap.TotalItemCount, snap.Total)
}
