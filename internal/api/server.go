// Package api provides the HTTP server for SalesPipe.
//
// It mounts the channel webhooks, the JWT-protected admin endpoints, Prometheus
// metrics and a health probe on a chi router.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/SalesPipe/internal/flow"
	"github.com/BTreeMap/SalesPipe/internal/messaging"
	"github.com/BTreeMap/SalesPipe/internal/metrics"
	"github.com/BTreeMap/SalesPipe/internal/models"
)

const (
	// DefaultAddr is the listen address used when neither an option nor API_ADDR is set.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultMessagesLimit is the page size of the admin message history endpoint.
	DefaultMessagesLimit = 50
)

// Admin is the set of engine operations exposed to operators.
type Admin interface {
	ActivateTrial(ctx context.Context, phone string, creds models.Credentials) (*flow.Result, error)
	ActivateSubscription(ctx context.Context, phone string, plan models.Plan, creds models.Credentials) (*flow.Result, error)
	SetState(ctx context.Context, phone string, state models.State, reason string) (*flow.Result, error)
	Messages(ctx context.Context, phone string, limit int) ([]models.ConversationMessage, error)
}

// Customers is the read side of the context store used by the admin listing.
type Customers interface {
	Get(ctx context.Context, phone string) (*models.CustomerContext, error)
	All(ctx context.Context) ([]*models.CustomerContext, error)
}

// Ensure the engine satisfies the admin surface.
var _ Admin = (*flow.Engine)(nil)

// Opts holds configuration for the API server.
type Opts struct {
	Addr            string
	JWTSecret       string
	ShutdownTimeout time.Duration

	// Channel webhooks. Nil handlers are not mounted.
	TwilioWebhook http.HandlerFunc
	CloudVerify   http.HandlerFunc
	CloudInbound  http.HandlerFunc

	MetricsHandler http.Handler
	Metrics        *metrics.Metrics
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithJWTSecret sets the HMAC secret admin tokens must be signed with.
func WithJWTSecret(secret string) Option {
	return func(o *Opts) { o.JWTSecret = secret }
}

// WithShutdownTimeout sets how long Run waits for in-flight requests on shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithTwilioWebhook mounts the Twilio inbound webhook.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// WithCloudWebhook mounts the WhatsApp Cloud API verification and inbound handlers.
func WithCloudWebhook(verify, inbound http.HandlerFunc) Option {
	return func(o *Opts) {
		o.CloudVerify = verify
		o.CloudInbound = inbound
	}
}

// WithMetricsHandler mounts a Prometheus scrape handler at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *Opts) { o.MetricsHandler = h }
}

// WithMetrics records admin-triggered outbound messages.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// Server holds the API dependencies.
type Server struct {
	admin      Admin
	customers  Customers
	msgService messaging.Service
	opts       Opts
	started    time.Time
}

// NewServer creates a Server. Unset options fall back to API_ADDR and ADMIN_JWT_SECRET.
func NewServer(admin Admin, customers Customers, msgService messaging.Service, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = os.Getenv("API_ADDR")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = os.Getenv("ADMIN_JWT_SECRET")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.JWTSecret == "" {
		slog.Warn("NewServer: ADMIN_JWT_SECRET not set, admin endpoints will reject every request")
	}
	return &Server{
		admin:      admin,
		customers:  customers,
		msgService: msgService,
		opts:       cfg,
		started:    time.Now(),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)
	if s.opts.MetricsHandler != nil {
		r.Handle("/metrics", s.opts.MetricsHandler)
	}

	r.Route("/webhooks", func(wh chi.Router) {
		if s.opts.TwilioWebhook != nil {
			wh.Post("/twilio", s.opts.TwilioWebhook)
		}
		if s.opts.CloudVerify != nil {
			wh.Get("/whatsapp", s.opts.CloudVerify)
		}
		if s.opts.CloudInbound != nil {
			wh.Post("/whatsapp", s.opts.CloudInbound)
		}
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(AdminJWT(s.opts.JWTSecret))
		admin.Post("/trials", s.activateTrialHandler)
		admin.Post("/subscriptions", s.activateSubscriptionHandler)
		admin.Get("/customers", s.listCustomersHandler)
		admin.Route("/customers/{phone}", func(c chi.Router) {
			c.Get("/", s.getCustomerHandler)
			c.Post("/state", s.setStateHandler)
			c.Get("/messages", s.messagesHandler)
		})
	})
	return r
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server shutting down", "timeout", s.opts.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}
