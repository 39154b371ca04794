package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"storefront/internal/cart"
	"storefront/internal/logging"
	"storefront/internal/storage/cookie"
	"storefront/internal/storage/sqlite"
)

// session is one command's view of the stored cart.
type session struct {
	store  *cart.Store
	db     *sqlite.Store
	out    *OutputFormatter
	logger *zap.Logger

	mu     sync.Mutex
	logged []*cart.Error
}

// openSession opens the database and waits for the cart to rehydrate. The
// cookie backend only lives for the duration of the command.
func openSession(cmd *cobra.Command, opts *RootOptions) (*session, error) {
	s := &session{
		out: &OutputFormatter{
			Format:    opts.Format,
			Writer:    cmd.OutOrStdout(),
			ErrWriter: cmd.ErrOrStderr(),
			Verbose:   opts.Verbose,
		},
		logger: zap.NewNop(),
	}

	if opts.Verbose {
		l, err := logging.New(logging.Options{Service: "cartctl", Level: "debug", Development: true})
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "init logger", err)
		}
		s.logger = l
	}

	db, err := sqlite.Open(opts.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open cart database", err)
	}
	s.db = db
	s.out.VerboseLog("opened %s", opts.DB)

	ctx := cmd.Context()
	s.store, err = cart.New(ctx, cart.Options{
		Preference: cart.StoragePreference(opts.Storage),
		Cookies:    cookie.New(cookie.Options{}),
		Local:      db,
		Key:        opts.Key,
		Logger:     s.logger,
		OnError:    s.record,
	})
	if err != nil {
		db.Close()
		return nil, WrapExitError(ExitCommandError, "open cart", err)
	}
	if err := s.store.WaitReady(ctx); err != nil {
		db.Close()
		return nil, WrapExitError(ExitCommandError, "load cart", err)
	}
	if err := s.take(); err != nil {
		s.out.VerboseLog("cart loaded with errors: %v", err)
	}
	return s, nil
}

func (s *session) Close() error {
	_ = s.logger.Sync()
	return s.db.Close()
}

func (s *session) record(e *cart.Error) {
	s.logger.Warn("cart error", zap.String("kind", string(e.Kind)), zap.Error(e))
	s.mu.Lock()
	s.logged = append(s.logged, e)
	s.mu.Unlock()
}

// take returns the errors logged since the last call, joined.
func (s *session) take() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errs := make([]error, 0, len(s.logged))
	for _, e := range s.logged {
		errs = append(errs, e)
	}
	s.logged = nil
	return errors.Join(errs...)
}

// apply runs op and fails when it returned an error or the cart logged one.
func (s *session) apply(ctx context.Context, op func(context.Context) error) error {
	_ = s.take()
	err := op(ctx)
	if err == nil {
		err = s.take()
	}
	if err == nil {
		return nil
	}

	code := "CART_ERROR"
	var ce *cart.Error
	if errors.As(err, &ce) {
		code = string(ce.Kind)
	}
	_ = s.out.Error(code, err.Error(), nil)
	return WrapExitError(ExitFailure, "cart operation failed", err)
}

// run opens a session, calls fn and closes the session.
func run(cmd *cobra.Command, opts *RootOptions, fn func(s *session) error) error {
	s, err := openSession(cmd, opts)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func quoted(id cart.ProductID) string {
	return fmt.Sprintf("%q", string(id))
}
