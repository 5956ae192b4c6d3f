package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/centrifugal/centrifuge"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/livepoll/internal/adapter/httpserver"
	"github.com/pscheid92/livepoll/internal/adapter/memory"
	"github.com/pscheid92/livepoll/internal/adapter/metrics"
	"github.com/pscheid92/livepoll/internal/adapter/postgres"
	"github.com/pscheid92/livepoll/internal/adapter/redis"
	"github.com/pscheid92/livepoll/internal/adapter/websocket"
	"github.com/pscheid92/livepoll/internal/app"
	"github.com/pscheid92/livepoll/internal/broadcast"
	"github.com/pscheid92/livepoll/internal/domain"
	"github.com/pscheid92/livepoll/internal/platform/config"
	"github.com/pscheid92/livepoll/internal/platform/logging"
	"github.com/pscheid92/livepoll/internal/platform/version"
)

const (
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// backend is the selected poll storage plus its probes, extra server
// options, background work and teardown.
type backend struct {
	repo   domain.PollRepository
	checks []httpserver.HealthCheck
	opts   []httpserver.Option
	run    func(ctx context.Context)
	close  func()
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupBackend(cfg *config.Config, reg prometheus.Registerer, clock clockwork.Clock) backend {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	switch cfg.StoreBackend {
	case config.BackendRedis:
		client, err := redis.NewClient(ctx, cfg.RedisURL, redis.DefaultHooks(metrics.NewRedisMetrics(reg))...)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		instances := redis.NewInstanceRegistry(client, clock, redis.DefaultKeyPrefix, version.Get().Version, redis.DefaultHeartbeat)
		limiter := redis.NewRateLimiter(client, clock, redis.DefaultKeyPrefix, cfg.VoteRateLimit, cfg.VoteRateBurst)
		slog.Info("Registered instance", "instance_id", instances.ID())
		return backend{
			repo: redis.NewPollRepository(client, redis.DefaultKeyPrefix),
			checks: []httpserver.HealthCheck{{Name: "redis", Check: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			}}},
			opts:  []httpserver.Option{httpserver.WithVoteLimiter(limiter), httpserver.WithInstances(instances)},
			run:   instances.Run,
			close: func() { _ = client.Close() },
		}

	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, metrics.NewDatabaseMetrics(reg))
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
			slog.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}
		return backend{
			repo:   postgres.NewPollRepository(pool),
			checks: []httpserver.HealthCheck{{Name: "postgres", Check: pool.Ping}},
			close:  pool.Close,
		}

	default:
		slog.Warn("Using in-memory poll store; state is lost on restart and not shared between instances")
		return backend{repo: memory.NewRepository(), close: func() {}}
	}
}

func setupCentrifuge(cfg *config.Config, source websocket.SnapshotSource, wsMetrics *metrics.WebSocketMetrics) *centrifuge.Node {
	node, err := websocket.NewNode(source, wsMetrics, cfg.LogLevel)
	if err != nil {
		slog.Error("Failed to create centrifuge node", "error", err)
		os.Exit(1)
	}

	if cfg.StoreBackend == config.BackendRedis {
		if err := websocket.SetupRedis(node, cfg.RedisURL, redis.DefaultKeyPrefix); err != nil {
			slog.Error("Failed to set up centrifuge redis broker", "error", err)
			os.Exit(1)
		}
	}

	if err := node.Run(); err != nil {
		slog.Error("Failed to run centrifuge node", "error", err)
		os.Exit(1)
	}
	return node
}

// feedCheck fails until the store follows the repository change feed.
func feedCheck(store *app.PollStore) httpserver.HealthCheck {
	return httpserver.HealthCheck{Name: "change_feed", Check: func(context.Context) error {
		select {
		case <-store.Ready():
			return nil
		default:
			return errors.New("poll change feed not running")
		}
	}}
}

func waitForFeed(store *app.PollStore, timeout time.Duration) error {
	select {
	case <-store.Ready():
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("change feed not running after %s", timeout)
	}
}

func runGracefulShutdown(srv *httpserver.Server, cancel context.CancelFunc, store *app.PollStore, hub *broadcast.Hub, node *centrifuge.Node) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		cancel()
		hub.Stop()
		store.Close()

		if err := node.Shutdown(shutdownCtx); err != nil {
			slog.Error("Centrifuge shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "store", cfg.StoreBackend, "version", version.Get().Version)

	reg := metrics.NewRegistry()

	be := setupBackend(cfg, reg, clock)
	defer be.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if be.run != nil {
		go be.run(ctx)
	}

	store := app.NewPollStore(be.repo, app.NewLogicalClock(clock), app.StoreOptions{
		MaxAttempts: cfg.MutateMaxAttempts,
		Metrics:     metrics.NewStoreMetrics(reg),
		Clock:       clock,
	})
	go func() {
		if err := store.Run(ctx); err != nil {
			slog.Error("Poll store stopped", "error", err)
			os.Exit(1)
		}
	}()

	// The hub seeds from the store, so the store must follow the feed first or
	// a commit landing in between is never delivered.
	if err := waitForFeed(store, connectTimeout); err != nil {
		slog.Error("Poll store not ready", "error", err)
		os.Exit(1)
	}

	hub := broadcast.NewHub(clock, metrics.NewHubMetrics(reg), cfg.MaxViewers)
	if err := hub.Start(ctx, store); err != nil {
		slog.Error("Failed to start subscription hub", "error", err)
		os.Exit(1)
	}

	wsMetrics := metrics.NewWebSocketMetrics(reg)
	node := setupCentrifuge(cfg, store, wsMetrics)
	publisher := websocket.NewPublisher(node, wsMetrics)
	go func() {
		if err := publisher.Follow(ctx, hub); err != nil {
			slog.Error("Poll publisher stopped", "error", err)
		}
	}()

	votes := app.NewVoteCoordinator(store, metrics.NewVoteMetrics(reg), clock)
	admin := app.NewAdminController(store, cfg.AdminSecret)

	checkOrigin := websocket.NewCheckOrigin(cfg.AppURL, !cfg.IsProduction())
	opts := append([]httpserver.Option{
		httpserver.WithClock(clock),
		httpserver.WithOriginCheck(checkOrigin),
		httpserver.WithCentrifuge(websocket.NewHandler(node, checkOrigin)),
		httpserver.WithMetrics(metrics.NewHTTPMetrics(reg), metrics.Handler(reg)),
		httpserver.WithHealthChecks(append(be.checks, feedCheck(store))...),
	}, be.opts...)
	srv := httpserver.NewServer(cfg, store, votes, admin, hub, opts...)

	done := runGracefulShutdown(srv, cancel, store, hub, node)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
