// cmd/storefront/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"storefront/internal/cart"
	"storefront/internal/config"
	"storefront/internal/logging"
	"storefront/internal/storage"
	"storefront/internal/storage/cookie"
	"storefront/internal/storage/postgres"
	"storefront/internal/storage/sqlite"
	"storefront/internal/telemetry"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(logging.Options{
		Service:     cfg.Telemetry.ServiceName,
		Env:         cfg.Env,
		Level:       cfg.LogLevel,
		Development: cfg.Env == "development",
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	local, closeLocal, err := openLocal(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeLocal()
	log.Info("cart storage ready", zap.String("driver", cfg.Storage.Driver))

	sessions := cart.NewSessions(cart.SessionConfig{
		Preference: cart.StoragePreference(cfg.Cart.Preference),
		Local:      local,
		Cookie: cookie.Options{
			MaxAge: cfg.HTTP.CookieMaxAge,
			Secure: cfg.SecureCookies(),
		},
		IdleTTL: cfg.Cart.IdleTTL,
		Logger:  log,
	})
	handler := cart.NewHandler(sessions, cart.HandlerConfig{
		RateLimit:     rate.Limit(cfg.HTTP.RateLimit),
		Burst:         cfg.HTTP.Burst,
		SecureCookies: cfg.SecureCookies(),
		Logger:        log,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("http server starting", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		evictIdle(ctx, sessions, cfg.Cart.IdleTTL, log)
	}()

	<-ctx.Done()
	log.Info("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", zap.Error(err))
	}

	wg.Wait()
	log.Info("bye")
	return nil
}

// openLocal opens the durable cart backend selected by the driver.
func openLocal(ctx context.Context, cfg config.StorageConfig) (storage.Backend, func() error, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.DriverMemory:
		return storage.NewMemory(), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func evictIdle(ctx context.Context, sessions *cart.Sessions, ttl time.Duration, log *zap.Logger) {
	if ttl <= 0 {
		ttl = cart.DefaultIdleTTL
	}
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.Evict(); n > 0 {
				log.Debug("evicted idle sessions", zap.Int("count", n), zap.Int("open", sessions.Len()))
			}
		}
	}
}
