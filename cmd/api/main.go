package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-storefront-checkout/internal/catalog"
	"github.com/ariefcatur/go-storefront-checkout/internal/checkout"
	"github.com/ariefcatur/go-storefront-checkout/internal/config"
	"github.com/ariefcatur/go-storefront-checkout/internal/coupons"
	"github.com/ariefcatur/go-storefront-checkout/internal/httpx"
	"github.com/ariefcatur/go-storefront-checkout/internal/inventory"
	kafkax "github.com/ariefcatur/go-storefront-checkout/internal/kafka"
	"github.com/ariefcatur/go-storefront-checkout/internal/logging"
	"github.com/ariefcatur/go-storefront-checkout/internal/metrics"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/ariefcatur/go-storefront-checkout/internal/payments"
	"github.com/ariefcatur/go-storefront-checkout/internal/postgres"
	"github.com/ariefcatur/go-storefront-checkout/internal/redisx"
	"github.com/ariefcatur/go-storefront-checkout/internal/webhook"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logging.New(logging.Options{Service: cfg.ServiceName, Env: cfg.AppEnv, Level: cfg.LogLevel})
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	if cfg.MercadoPago.AccessToken == "" || cfg.MercadoPago.WebhookSecret == "" {
		log.Warn("mercadopago credentials missing; online payments and webhooks will fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Domain
	stock := inventory.NewManager(&inventory.PostgresRepository{DB: db}, log.Named("inventory"))
	ledger := orders.NewLedger(&orders.PostgresRepository{DB: db})
	events := orders.NewEmitter(prod, cfg.ServiceName, log.Named("events"))
	cache := redisx.NewStatusCache(rdb)
	gateway := payments.NewMercadoPago(payments.MercadoPagoConfig{
		AccessToken: cfg.MercadoPago.AccessToken,
		BaseURL:     cfg.MercadoPago.BaseURL,
		Timeout:     cfg.MercadoPago.Timeout,
	}, m, log.Named("mercadopago"))

	svc := checkout.NewService(checkout.Deps{
		Catalog: &catalog.PostgresRepository{DB: db},
		Stock:   stock,
		Ledger:  ledger,
		Strategies: payments.NewStrategies(gateway, payments.Options{
			SiteURL:      cfg.SiteURL,
			PublicAPIURL: cfg.PublicAPIURL,
			Currency:     cfg.MercadoPago.Currency,
			Sandbox:      cfg.MercadoPago.Sandbox,
		}),
		Coupons:        &coupons.PostgresRecorder{DB: db},
		Events:         events,
		Metrics:        m,
		Log:            log.Named("checkout"),
		Shipping:       checkout.Shipping{Cost: cfg.ShippingCost, FreeThreshold: cfg.FreeShippingThreshold},
		ReservationTTL: cfg.ReservationTTL,
	})
	updater := webhook.NewUpdater(webhook.UpdaterDeps{
		Gateway: gateway,
		Orders:  ledger,
		Stock:   stock,
		Cache:   cache,
		Events:  events,
		Metrics: m,
		Log:     log.Named("webhook"),
		Timeout: cfg.MercadoPago.Timeout,
	})

	// HTTP
	router := httpx.NewRouter(log, m, reg)
	(&httpx.CheckoutHandler{Service: svc, Idempotency: redisx.NewIdempotencyStore(rdb), Log: log}).Register(router)
	(&httpx.WebhookHandler{Secret: cfg.MercadoPago.WebhookSecret, Updater: updater, Metrics: m, Log: log}).Register(router)
	(&httpx.OrdersHandler{Cache: cache, Orders: ledger, Log: log}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	// graceful shutdown
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	prod.Close() // flush queued events
	prod.WaitClosed()
}
