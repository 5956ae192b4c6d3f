package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/livepoll/internal/adapter/metrics"
	"github.com/pscheid92/livepoll/internal/app"
	"github.com/pscheid92/livepoll/internal/broadcast"
	"github.com/pscheid92/livepoll/internal/domain"
	"github.com/pscheid92/livepoll/internal/platform/config"
)

type pollReader interface {
	Get(ctx context.Context) (*domain.Poll, error)
}

type voteService interface {
	CastVote(ctx context.Context, req app.CastVoteRequest) (*app.VoteReceipt, error)
	VoterStatus(ctx context.Context, deviceID string, memo app.VoteMemo) (app.VoterView, error)
}

type adminService interface {
	Authorize(secret string) error
	CreatePoll(ctx context.Context, question string, optionTexts []string, showResults bool) (*domain.Poll, error)
	SetActive(ctx context.Context, active bool) (*domain.Poll, error)
	SetShowResults(ctx context.Context, visible bool) (*domain.Poll, error)
	ToggleActive(ctx context.Context) (*domain.Poll, error)
	ToggleShowResults(ctx context.Context) (*domain.Poll, error)
	ResetVotes(ctx context.Context) (*domain.Poll, error)
	DeletePoll(ctx context.Context) error
	Results(ctx context.Context) (*domain.Results, error)
}

type instanceLister interface {
	Instances(ctx context.Context) ([]domain.Instance, error)
}

type viewerHub interface {
	Attach(viewer broadcast.Viewer) (broadcast.Handle, error)
	Detach(handle broadcast.Handle)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	polls pollReader
	votes voteService
	admin adminService
	hub   viewerHub

	centrifugeHandler http.Handler
	metricsHandler    http.Handler
	httpMetrics       *metrics.HTTPMetrics

	voteLimiter middleware.RateLimiterStore
	instances   instanceLister

	upgrader     websocket.Upgrader
	sessionStore *sessions.CookieStore
	healthChecks []HealthCheck
	startTime    time.Time
}

// Option configures the optional parts of a Server.
type Option func(*Server)

// WithCentrifuge mounts the Centrifuge WebSocket handler.
func WithCentrifuge(handler http.Handler) Option {
	return func(s *Server) { s.centrifugeHandler = handler }
}

// WithMetrics records request metrics and serves the scrape endpoint.
func WithMetrics(m *metrics.HTTPMetrics, handler http.Handler) Option {
	return func(s *Server) {
		s.httpMetrics = m
		s.metricsHandler = handler
	}
}

func WithHealthChecks(checks ...HealthCheck) Option {
	return func(s *Server) { s.healthChecks = checks }
}

// WithOriginCheck restricts which pages may open /ws.
func WithOriginCheck(check func(*http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = check }
}

// WithVoteLimiter replaces the in-memory vote rate limit buckets, e.g. with
// a store shared between instances.
func WithVoteLimiter(store middleware.RateLimiterStore) Option {
	return func(s *Server) { s.voteLimiter = store }
}

// WithInstances exposes the running server instances to admins.
func WithInstances(lister instanceLister) Option {
	return func(s *Server) { s.instances = lister }
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

func NewServer(cfg *config.Config, polls pollReader, votes voteService, admin adminService, hub viewerHub, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		clock:        clockwork.NewRealClock(),
		polls:        polls,
		votes:        votes,
		admin:        admin,
		hub:          hub,
		upgrader:     websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		sessionStore: setupSessionStore(cfg),
		startTime:    time.Now(),
	}
	for _, opt := range opts {
		opt(srv)
	}
	e.HTTPErrorHandler = HTTPErrorHandler(srv.httpMetrics)

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP lets tests drive the full middleware chain.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func setupSessionStore(cfg *config.Config) *sessions.CookieStore {
	sessionStore := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	sessionStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	}
	return sessionStore
}

func (s *Server) voteLimiterStore() middleware.RateLimiterStore {
	if s.voteLimiter != nil {
		return s.voteLimiter
	}
	return newMemoryLimiterStore(s.config.VoteRateLimit, s.config.VoteRateBurst)
}
