package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/config"
	"github.com/ariefcatur/go-storefront-checkout/internal/inventory"
	"github.com/ariefcatur/go-storefront-checkout/internal/logging"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/ariefcatur/go-storefront-checkout/internal/postgres"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logging.New(logging.Options{Service: cfg.ServiceName + "-sweeper", Env: cfg.AppEnv, Level: cfg.LogLevel})
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	stock := inventory.NewManager(&inventory.PostgresRepository{DB: db}, log)
	m := metrics.New(prometheus.DefaultRegisterer)

	t := time.NewTicker(cfg.SweepInterval)
	defer t.Stop()
	log.Info("sweeper started", zap.Duration("interval", cfg.SweepInterval))
	for {
		sweep(ctx, stock, m, log)
		select {
		case <-ctx.Done():
			log.Info("sweeper stopped")
			return
		case <-t.C:
		}
	}
}

func sweep(ctx context.Context, stock *inventory.Manager, m *metrics.Metrics, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := stock.ExpireStale(ctx)
	if err != nil {
		log.Error("expire reservations", zap.Error(err))
		return
	}
	m.Expired(n)
	if n > 0 {
		log.Info("reservations expired", zap.Int64("count", n))
	}
}
