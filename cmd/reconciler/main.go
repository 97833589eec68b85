package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kemet/ev-payments/internal/config"
	"github.com/kemet/ev-payments/internal/db"
	"github.com/kemet/ev-payments/internal/gateway"
	"github.com/kemet/ev-payments/internal/logger"
	"github.com/kemet/ev-payments/internal/queue"
	"github.com/kemet/ev-payments/internal/service"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	appLogger := logger.New(cfg.LogLevel)

	// connecting to PostgreSQL
	appLogger.Info("connecting to PostgreSQL...")
	postgres, err := db.NewPostgres(cfg.PostgresURI)
	if err != nil {
		appLogger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer postgres.Close()

	// Connect to MongoDB
	appLogger.Info("connecting to MongoDB...")
	mongodb, err := db.NewMongoDB(cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		appLogger.Error("failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	defer mongodb.Close(ctx)

	// Connect to RabbitMQ
	appLogger.Info("connecting to RabbitMQ...")
	rabbitmq, err := queue.NewRabbitMQ(cfg.RabbitMQURI, appLogger)
	if err != nil {
		appLogger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer rabbitmq.Close()

	var gatewayAdapter gateway.Adapter
	if cfg.GatewayProvider == "mock" {
		appLogger.Warn("using mock payment gateway, do not run this in production")
		gatewayAdapter = gateway.NewMockAdapter(appLogger)
	} else {
		gatewayAdapter = gateway.NewFlutterwaveAdapter(gateway.Config{
			BaseURL:     cfg.GatewayBaseURL,
			SecretKey:   cfg.GatewaySecretKey,
			CallbackURL: cfg.GatewayCallbackURL,
		}, appLogger)
	}

	paymentService := service.NewPaymentService(postgres, mongodb, rabbitmq, gatewayAdapter, cfg, appLogger)

	// Start the reconciliation sweep
	appLogger.Info("starting reconciler", "interval", cfg.ReconcileInterval)
	paymentService.StartReconciler(ctx, cfg.ReconcileInterval)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	appLogger.Info("shutting down reconciler...")
	cancel() // Cancel context to stop the sweep
	appLogger.Info("reconciler shut down successfully")
}
