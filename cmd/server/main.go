package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/webclinic017/nuclaw/internal/config"
	"github.com/webclinic017/nuclaw/internal/events"
	"github.com/webclinic017/nuclaw/internal/monitor"
	"github.com/webclinic017/nuclaw/internal/runner"
	"github.com/webclinic017/nuclaw/internal/scheduler"
	"github.com/webclinic017/nuclaw/internal/store"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load("./config")
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	taskStore, err := store.Open(logger, cfg.Store.Path)
	if err != nil {
		logger.Fatal("Failed to open task store", zap.Error(err))
	}
	defer taskStore.Close()

	agentRunner := runner.New(logger, runner.Config{
		Command:        cfg.Runner.Command,
		Image:          cfg.Runner.Image,
		AssistantName:  cfg.Runner.AssistantName,
		DataDir:        cfg.Data.Dir,
		GroupsDir:      cfg.Data.GroupsDir,
		LogsDir:        cfg.Data.LogsDir,
		MaxOutputBytes: cfg.Runner.MaxOutputBytes,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A missing container daemon is not fatal at startup: tasks fail as
	// infrastructure errors and stay due until the daemon comes back.
	if err := agentRunner.EnsureDaemon(ctx); err != nil {
		logger.Warn("Container daemon is not reachable, task runs will fail until it is",
			zap.Error(err))
	}

	var pub scheduler.RunPublisher
	if cfg.NATS.URL != "" {
		nc, err := connectNATS(cfg, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer nc.Close()

		js, err := nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}
		eventPub, err := events.NewPublisher(js, logger)
		if err != nil {
			logger.Fatal("Failed to create run event publisher", zap.Error(err))
		}
		pub = eventPub
	}

	sampler := monitor.NewSampler(logger, cfg.Scheduler.MonitorInterval)
	go sampler.Start(ctx)

	sched := scheduler.New(logger, taskStore, agentRunner, pub, scheduler.Config{
		PollInterval:  cfg.Scheduler.PollInterval,
		TaskTimeout:   cfg.Scheduler.TaskTimeout,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		Location:      cfg.Location(),
		Monitor:       sampler,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("Starting scheduled execution engine")
	if err := sched.Run(ctx); err != nil {
		logger.Fatal("Scheduler exited with error", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.NATS.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(attempt))
	}
	return nil, err
}
