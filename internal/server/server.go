package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sendrec/reelfeed/internal/auth"
	"github.com/sendrec/reelfeed/internal/content"
	"github.com/sendrec/reelfeed/internal/database"
	"github.com/sendrec/reelfeed/internal/httputil"
	"github.com/sendrec/reelfeed/internal/ratelimit"
	"github.com/sendrec/reelfeed/internal/validate"
)

const (
	defaultRequestsPerSecond = 5
	defaultBurst             = 20
	defaultMediaURLExpiry    = time.Hour
)

var ErrMissingJWTSecret = errors.New("server: JWT secret is required when a database is configured")

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	DB                database.DBTX
	Pinger            Pinger
	Media             content.MediaSigner
	Geo               content.Locator
	Notifier          content.Notifier
	JWTSecret         string
	BaseURL           string
	StorageEndpoint   string
	MediaURLExpiry    time.Duration
	RequestsPerSecond float64
	Burst             int
}

type Server struct {
	router  chi.Router
	pinger  Pinger
	authn   *auth.Authenticator
	content *content.Handler
	limiter *ratelimit.Limiter
}

// New builds the HTTP API. Without a database only the health and limits
// endpoints are served.
func New(cfg Config) (*Server, error) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(slogMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders(SecurityConfig{
		BaseURL:         cfg.BaseURL,
		StorageEndpoint: cfg.StorageEndpoint,
	}))

	s := &Server{router: r, pinger: cfg.Pinger}

	if cfg.DB != nil {
		if cfg.JWTSecret == "" {
			return nil, ErrMissingJWTSecret
		}
		expiry := cfg.MediaURLExpiry
		if expiry <= 0 {
			expiry = defaultMediaURLExpiry
		}
		rps, burst := cfg.RequestsPerSecond, cfg.Burst
		if rps <= 0 {
			rps = defaultRequestsPerSecond
		}
		if burst <= 0 {
			burst = defaultBurst
		}

		s.authn = auth.NewAuthenticator(cfg.JWTSecret)
		s.content = content.NewHandler(cfg.DB, cfg.Media, cfg.Geo, cfg.Notifier, expiry)
		s.limiter = ratelimit.NewLimiter(rps, burst, ratelimit.ByUser(func(r *http.Request) string {
			return auth.UserIDFromContext(r.Context())
		}))
	}

	s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run evicts idle rate limit buckets until ctx is done.
func (s *Server) Run(ctx context.Context) {
	if s.limiter != nil {
		s.limiter.Run(ctx)
	}
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/limits", s.handleLimits)

	if s.content != nil {
		s.router.Route("/api", func(r chi.Router) {
			r.Use(s.authn.Middleware)
			r.Use(s.limiter.Middleware)
			s.content.Routes(r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","error":"database unreachable"}`))
			return
		}
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type limitsResponse struct {
	Fields          map[string]int `json:"fields"`
	FeedPageSize    int            `json:"feedPageSize"`
	MaxFeedPageSize int            `json:"maxFeedPageSize"`
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, limitsResponse{
		Fields:          validate.FieldLimits(),
		FeedPageSize:    validate.DefaultFeedPageSize,
		MaxFeedPageSize: validate.MaxFeedPageSize,
	})
}
