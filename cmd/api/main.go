package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/kemet/ev-payments/internal/api"
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

	// Connecting to Postgres
	appLogger.Info("connecting to PostgreSQL...")
	postgres, err := db.NewPostgres(cfg.PostgresURI)
	if err != nil {
		appLogger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer postgres.Close()

	// Create schema
	appLogger.Info("creating the schema...")
	if err := postgres.InitSchema(ctx); err != nil {
		appLogger.Error("failed to create schema", "error", err)
		os.Exit(1)
	}

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

	// Create the payment service
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

	// Start the settlement consumer
	appLogger.Info("starting settlement consumer...")
	if err := paymentService.StartSettlementConsumer(ctx); err != nil {
		appLogger.Error("failed to start settlement consumer", "error", err)
		os.Exit(1)
	}

	// Create router and set up routes
	router := mux.NewRouter()
	auth := api.NewAuth(cfg.JWTSecret, appLogger)
	handler := api.NewHandler(paymentService, rabbitmq, cfg.GatewaySecretKey, appLogger)
	api.SetupRoutes(router, handler, auth)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		appLogger.Info("starting server", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	appLogger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Shutdown server
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	appLogger.Info("server shut down successfully")
}
