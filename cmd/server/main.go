package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat/internal/auth"
	"github.com/Tyrowin/gochat/internal/broker"
	"github.com/Tyrowin/gochat/internal/chat"
	"github.com/Tyrowin/gochat/internal/config"
	"github.com/Tyrowin/gochat/internal/logging"
	"github.com/Tyrowin/gochat/internal/metrics"
	"github.com/Tyrowin/gochat/internal/realtime"
	"github.com/Tyrowin/gochat/internal/server"
	"github.com/Tyrowin/gochat/internal/store"
)

// app holds everything main starts and later stops, in start order.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	hub      *realtime.Hub
	srv      *server.Server
	http     *http.Server
	closers  []namedCloser
	serveErr chan error
}

type namedCloser struct {
	name  string
	close func(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gochat: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gochat: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	a, err := start(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("Startup failed", zap.Error(err))
		os.Exit(1)
	}

	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.Server.ShutdownTimeout, map[string]gfshutdown.Operation{
		"gochat": a.stop,
	})

	go func() {
		if err := <-a.serveErr; err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
			os.Exit(1)
		}
	}()

	exitCode := <-wait
	logger.Info("Server exited", zap.Int("code", exitCode))
	_ = logger.Sync()
	os.Exit(exitCode)
}

func start(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, serveErr: make(chan error, 1)}

	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	hubOpts := []realtime.HubOption{realtime.WithLogger(logger)}
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		hubOpts = append(hubOpts, realtime.WithMetrics(metrics.New(prometheus.DefaultRegisterer)))
		metricsHandler = metrics.Handler(prometheus.DefaultGatherer)
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			a.closeAll(ctx)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		mirror := broker.NewRedisPresence(client, cfg.Redis.Prefix, logger)
		hubOpts = append(hubOpts, realtime.WithPresenceObserver(mirror))
		a.closers = append(a.closers,
			namedCloser{"redis client", func(context.Context) error { return client.Close() }},
			namedCloser{"presence mirror", mirror.Close},
		)
		logger.Info("Presence mirrored to Redis", zap.String("addr", cfg.Redis.Addr), zap.String("key", mirror.SetKey()))
	}

	chatOpts := []chat.Option{chat.WithLogger(logger)}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := broker.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		chatOpts = append(chatOpts, chat.WithPublisher(publisher))
		a.closers = append(a.closers, namedCloser{"kafka publisher", func(context.Context) error { return publisher.Close() }})
		logger.Info("Publishing message events to Kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	a.hub = realtime.NewHub(hubOpts...)
	go a.hub.Run()
	logger.Info("Hub started and ready to manage WebSocket connections")

	var verifier *auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		if verifier, err = auth.NewVerifier(cfg.Auth.JWTSecret); err != nil {
			a.closeAll(ctx)
			return nil, err
		}
	}

	a.srv = server.New(cfg.Server, server.Deps{
		Hub:             a.hub,
		Chat:            chat.NewService(st, a.hub, chatOpts...),
		Verifier:        verifier,
		VerifyHandshake: cfg.Auth.VerifyHandshake,
		Metrics:         metricsHandler,
		Logger:          logger,
	})
	a.http = server.CreateServer(cfg.Server.Port, a.srv.SetupRoutes())
	go func() { a.serveErr <- server.StartServer(a.http, logger) }()

	return a, nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	switch a.cfg.Store.Driver {
	case config.DriverMongo:
		ms, err := store.ConnectMongo(ctx, a.cfg.Mongo.URI, a.cfg.Mongo.Database)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, namedCloser{"mongo", ms.Close})
		a.logger.Info("Using MongoDB store", zap.String("database", a.cfg.Mongo.Database))
		return ms, nil
	default:
		a.logger.Info("Using in-memory store")
		return store.NewMemoryStore(), nil
	}
}

// stop shuts down in dependency order: stop accepting requests, close every
// live connection, wait for the client pumps, then release the backends.
func (a *app) stop(ctx context.Context) error {
	var errs []error
	if err := server.ShutdownServer(ctx, a.http, a.logger); err != nil {
		errs = append(errs, err)
	}
	if err := a.hub.Shutdown(a.cfg.Server.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}
	if err := a.srv.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("client pumps: %w", err))
	}
	if err := a.closeAll(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// closeAll releases backends in reverse order of opening.
func (a *app) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(ctx); err != nil {
			a.logger.Warn("Error closing backend", zap.String("backend", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
