// cmd/chaos/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"storefront/internal/gameday"
	"storefront/internal/logging"
)

func main() {
	report := flag.String("report", "", "write the results as JSON to this file")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	if err := run(*report, *level); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(report, level string) error {
	log, err := logging.New(logging.Options{Service: "storefront-gameday", Level: level})
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	engine := gameday.NewEngine(log)
	engine.RegisterDefaults()

	log.Info("game day starting", zap.Int("experiments", len(engine.Experiments())))
	results, runErr := engine.RunAll(ctx)

	held := 0
	for _, r := range results {
		if r.HypothesisHeld {
			held++
		}
	}
	log.Info("game day finished", zap.Int("held", held), zap.Int("total", len(results)))

	if report != "" {
		blob, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(report, blob, 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	if runErr != nil {
		return fmt.Errorf("game day failed: %w", runErr)
	}
	return nil
}
