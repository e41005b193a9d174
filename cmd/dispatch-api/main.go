// README: Entry point; loads config, wires services, starts HTTP server and
// the payout scheduler.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"dispatch/internal/config"
	httptransport "dispatch/internal/http"
	"dispatch/internal/infra"
	"dispatch/internal/logger"
	"dispatch/internal/maps"
	"dispatch/internal/metrics"
	"dispatch/internal/modules/assignment"
	"dispatch/internal/modules/availability"
	"dispatch/internal/modules/ledger"
	"dispatch/internal/modules/order"
	"dispatch/internal/modules/payout"
	"dispatch/internal/notify"
	"dispatch/internal/processor"
	"dispatch/internal/types"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, cfg.LoggerLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg, log)
	if err != nil {
		log.Error("postgres init failed", logger.Error(err))
		os.Exit(1)
	}
	defer dbPool.Close()

	redisClient := infra.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
	defer redisClient.Close()

	var verifier infra.IdentityVerifier
	if cfg.FirebaseProjectID != "" {
		verifier, err = infra.NewFirebaseVerifier(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentialsFile)
		if err != nil {
			log.Error("firebase init failed", logger.Error(err))
			os.Exit(1)
		}
	} else {
		log.Warning("FIREBASE_PROJECT_ID not set; auth disabled")
	}

	var notifier notify.Notifier
	if producer, err := notify.NewProducer(cfg.RabbitURL, log); err != nil {
		log.Warning("rabbitmq unavailable, notifications disabled", logger.Error(err))
		notifier = &notify.NoopNotifier{Log: log}
	} else {
		notifier = producer
	}
	defer notifier.Close()

	var geocoder maps.Geocoder
	if cfg.GoogleMapsAPIKey != "" {
		if g, err := maps.NewGeocodeService(cfg.GoogleMapsAPIKey); err != nil {
			log.Warning("geocoder init failed, falling back to coordinates", logger.Error(err))
		} else {
			geocoder = g
		}
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	ledgerStore := ledger.NewPostgresStore(dbPool)
	ledgerSvc := ledger.NewService(ledgerStore, types.ID(cfg.PlatformAccountID), log)

	availabilityStore := availability.NewStore(redisClient)
	availabilitySvc := availability.NewService(availabilityStore, log)

	proc := processor.NewClient(cfg.ProcessorBaseURL, cfg.ProcessorAPIKey)

	orderStore := order.NewPostgresStore(dbPool)
	orderSvc := order.NewService(orderStore, ledgerSvc, availabilitySvc, notifier, proc, log)

	assignmentSvc := assignment.NewService(availabilitySvc, orderSvc, cfg.MatchRadiusKm, log)

	payoutStore := payout.NewPostgresStore(dbPool)
	payoutSvc := payout.NewService(payoutStore, ledgerSvc, proc, types.ID(cfg.ClearingAccountID), log)

	payoutRunner, err := payout.NewRunner(payoutSvc, cfg.PayoutSchedule, log)
	if err != nil {
		log.Error("payout scheduler init failed", logger.Error(err))
		os.Exit(1)
	}
	payoutRunner.Start()
	defer payoutRunner.Stop()

	handler := httptransport.NewRouter(httptransport.RouterDeps{
		Orders:       orderSvc,
		Assignment:   assignmentSvc,
		Availability: availabilitySvc,
		Ledger:       ledgerSvc,
		Payouts:      payoutSvc,
		Geocoder:     geocoder,
		Verifier:     verifier,
		Registry:     registry,
		Log:          log,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.AppPort),
		Handler: handler,
	}

	go func() {
		log.Info("http server listening", logger.Int("port", cfg.AppPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped", logger.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", logger.Error(err))
	}
}
