package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jusunglee/tper-go/api/handlers"
	"github.com/jusunglee/tper-go/internal/config"
	"github.com/jusunglee/tper-go/internal/coordinator"
	"github.com/jusunglee/tper-go/internal/logging"
	"github.com/jusunglee/tper-go/internal/mqtt"
	"github.com/jusunglee/tper-go/internal/tperapi"
	"github.com/jusunglee/tper-go/pkg/tper"
)

func main() {
	configPath := flag.String("config", "config.yml", "Configuration file (empty to use defaults and environment)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	log := logrus.NewEntry(logger)

	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("Invalid timezone: %v", err)
	}

	clientConfig := tper.DefaultConfig()
	clientConfig.API = tperapi.Config{
		BaseURL:   cfg.API.BaseURL,
		Timeout:   cfg.API.Timeout,
		RateLimit: cfg.API.RateLimit,
	}
	clientConfig.MinimumInterval = cfg.Polling.MinimumInterval
	clientConfig.Location = loc
	clientConfig.Log = log

	if cfg.MQTT.Enabled {
		publisher, err := mqtt.Connect(mqtt.Config{
			Broker:          cfg.MQTT.Broker,
			Port:            cfg.MQTT.Port,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			ClientID:        cfg.MQTT.ClientID,
			TopicPrefix:     cfg.MQTT.TopicPrefix,
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		}, log)
		if err != nil {
			log.Fatalf("Failed to connect to MQTT broker: %v", err)
		}
		defer publisher.Close()
		clientConfig.Publishers = []coordinator.Publisher{publisher}
	}

	client, err := tper.NewLocal(clientConfig)
	if err != nil {
		log.Fatalf("Failed to create TPER client: %v", err)
	}
	defer client.Close()

	// A stop whose first refresh fails is skipped; the rest keep running.
	for _, stop := range cfg.TrackedStops() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.API.Timeout*time.Duration(len(stop.LineIDs)))
		if err := client.Track(ctx, stop); err != nil {
			log.WithError(err).WithField("stop_id", stop.StopID).Error("Failed to track stop")
		}
		cancel()
	}

	// Create HTTP server
	r := mux.NewRouter()
	opts := []handlers.Option{handlers.WithLogger(log)}
	if cfg.GTFSRT.Enabled {
		opts = append(opts, handlers.WithGTFSRT())
	}
	h := handlers.NewHandler(client, opts...)
	h.RegisterRoutes(r)

	// Add middleware
	r.Use(handlers.LoggingMiddleware(log.WithField("component", "http")))
	r.Use(handlers.CORSMiddleware)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server
	go func() {
		log.Infof("Server starting on port %d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	log.Info("Server stopped")
}
