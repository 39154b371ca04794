package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"storefront/internal/cart"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	DB      string
	Storage string
	Key     string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for cartctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cartctl",
		Short: "cartctl - inspect and edit a stored shopping cart",
		Long: `Inspect and edit a shopping cart kept in a local SQLite database.

Every command rehydrates the cart, applies one operation and persists it
again, exactly as the storefront service does for a browser session.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if _, err := cart.ParseStoragePreference(opts.Storage); err != nil {
				return WrapExitError(ExitCommandError, "invalid --storage", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "cart.db", "path to the SQLite cart database")
	cmd.PersistentFlags().StringVar(&opts.Storage, "storage", string(cart.StorageLocal), "storage preference (cookies|localStorage|both)")
	cmd.PersistentFlags().StringVar(&opts.Key, "key", cart.DefaultKey, "storage key of the cart")

	cmd.AddCommand(NewAddCommand(opts))
	cmd.AddCommand(NewRemoveCommand(opts))
	cmd.AddCommand(NewSetCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewTotalCommand(opts))

	return cmd
}
