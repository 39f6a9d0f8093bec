package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/suPer8Hu/acontext-api/internal/app"
	"github.com/suPer8Hu/acontext-api/internal/chat"
	"github.com/suPer8Hu/acontext-api/internal/config"
)

// The sweeper re-announces sessions whose messages were stored while the
// broker was unreachable. Run at most one per deployment.
func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	once := pflag.Bool("once", false, "run a single sweep and exit")
	pflag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	core, err := app.NewCore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := core.Close(); err != nil {
			core.Log.Error("close", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := chat.NewReconciler(chat.NewRepo(core.DB), core.Publisher, cfg.SweepGrace, cfg.SweepBatch, core.Log, core.Metrics)
	if *once {
		n, err := r.SweepOnce(ctx)
		if err != nil {
			core.Log.Error("sweep failed", "published", n, "err", err)
			return
		}
		core.Log.Info("sweep done", "published", n)
		return
	}
	r.Run(ctx, cfg.SweepInterval)
}
