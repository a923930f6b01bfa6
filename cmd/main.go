package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"power-watchdog/internal/api"
	"power-watchdog/internal/config"
	"power-watchdog/internal/db"
	"power-watchdog/internal/kafka"
	"power-watchdog/internal/logging"
	"power-watchdog/internal/monitor"
	"power-watchdog/internal/notification"
	"power-watchdog/internal/prefs"
	"power-watchdog/internal/providers"
	"power-watchdog/internal/signals"
	"power-watchdog/internal/utils"
)

const (
	restartDelay    = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	err = run(cfg, logger)
	logger.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := prefs.Open(cfg.Prefs.Path, logger)
	if err != nil {
		logger.Errorf("Failed to open preferences: %v", err)
		return err
	}
	go func() {
		if err := p.Watch(ctx); err != nil {
			logger.Errorf("Preference watcher stopped: %v", err)
		}
	}()

	// Connect to database
	store, err := db.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		logger.Errorf("Failed to open %s store: %v", cfg.DB.Driver, err)
		return err
	}
	defer store.Close()

	// Notification dispatcher
	sender := providers.NewTelegramSender(cfg.Telegram.APIURL, cfg.Telegram.RateLimit, 15*time.Second, logger)
	reach := utils.NewDialChecker(cfg.Notification.ReachabilityAddr, 5*time.Second, cfg.Notification.ReachabilityPoll)
	dispatcher := notification.New(sender, p, p, reach, logger, notification.Options{
		QueueSize:        cfg.Notification.QueueSize,
		MaxWorkers:       cfg.Notification.MaxWorkers,
		MaxAttempts:      cfg.Notification.MaxAttempts,
		BackoffUnit:      cfg.Notification.BackoffUnit,
		ReachabilityPoll: cfg.Notification.ReachabilityPoll,
		DeviceName:       cfg.Monitor.DeviceName,
		Location:         cfg.Location(),
	})
	dispatcher.Start()
	defer dispatcher.Stop()

	settingsChanges := p.Subscribe()
	defer p.Unsubscribe(settingsChanges)
	go dispatcher.WatchSettings(ctx, settingsChanges)

	hub := api.NewHub(cfg.API.MaxWSClients, logger)
	defer hub.Close()

	alerter := providers.NewLocalAlerter(cfg.Monitor.AlertCommand, logger)
	manager := monitor.NewSessionManager(store, dispatcher, hub, alerter, p, logger)

	// Signal sources, the first one bootstraps the initial state
	sources := []signals.Source{
		signals.NewSysfsSource(cfg.Monitor.PowerSupplyPath, cfg.Monitor.PollInterval, logger),
	}
	if cfg.Kafka.Broker != "" {
		sources = append(sources, kafka.NewConsumer(kafka.Config{
			Brokers: []string{cfg.Kafka.Broker},
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		}, logger))
		logger.Infof("Kafka consumer initialized with topic: %s", cfg.Kafka.Topic)
	}
	mon := monitor.New(store, manager, p, sources, cfg.Monitor.HeartbeatInterval, logger)
	supervisor := monitor.NewSupervisor(mon, p, restartDelay, logger)

	// Start API server
	handler := api.NewHandler(store, manager, dispatcher, p, hub, cfg.Monitor.HeartbeatInterval, logger)
	srv := &http.Server{
		Addr:              cfg.API.Port,
		Handler:           api.NewRouter(handler, logger, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Infof("Starting API server on %s", cfg.API.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("API server failed: %v", err)
			stop()
		}
	}()

	runErr := supervisor.Run(ctx)
	if runErr != nil {
		logger.Errorf("Monitor stopped: %v", runErr)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("API server shutdown failed: %v", err)
	}
	logger.Infof("Shutdown complete")
	return runErr
}
