package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/confluence"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/jira"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/policy"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/requestctx"
)

const defaultTimeout = 60 * time.Second

// Server holds the dependencies for the HTTP API.
type Server struct {
	router       *chi.Mux
	registry     *Registry
	limiter      *RateLimiter
	policyEngine *policy.Engine
	confluence   *confluence.Service
	jira         *jira.Service
	startTime    time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithRateLimiter overrides the limiter built from registry settings.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// NewServer builds a Server from the caller registry and the two services.
func NewServer(
	registry *Registry,
	policyEngine *policy.Engine,
	confluenceSvc *confluence.Service,
	jiraSvc *jira.Service,
	opts ...Option,
) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		registry:     registry,
		policyEngine: policyEngine,
		confluence:   confluenceSvc,
		jira:         jiraSvc,
		startTime:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = NewRateLimiter(
			registry.RateLimits.GlobalRequestsPerMin,
			registry.RateLimits.PerCallerRequestsPerMin,
		)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Unauthenticated
	r.Get("/health", s.handleHealth)

	// Authenticated API group
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimitMiddleware)
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/confluence/execute", s.handleConfluenceExecute)
		r.Post("/v1/jira/execute", s.handleJiraExecute)
	})

	return r
}

// authMiddleware resolves the caller by API key and stores the caller name
// and channel id in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.registry.ResolveCaller(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing API key")
			return
		}
		ctx := requestctx.SetCallerName(r.Context(), caller.Name)
		ctx = requestctx.SetChannelID(ctx, caller.ChannelID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitMiddleware applies the token buckets and returns 429 with a
// Retry-After hint computed from the bucket when exceeded.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := requestctx.CallerName(r.Context())
		if ok, wait := s.limiter.Allow(name); !ok {
			w.Header().Set("Retry-After", retryAfterSeconds(wait))
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "request rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
