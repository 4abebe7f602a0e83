package web

import (
	"context"
	"net/http"
	"time"

	"jobelix-api/internal/domain/ports/adapter"
	"jobelix-api/internal/infra/logging"
	"jobelix-api/internal/infra/metrics"
	"jobelix-api/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Server exposes the bot session API: bearer-token endpoints for the
// automation process and cookie endpoints for the signed-in user.
type Server struct {
	sessionUC usecase.BotSessionUseCase
	tokenUC   usecase.TokenUseCase
	auth      *AuthManager
	origins   *OriginGuard

	heartbeatLimit adapter.Limiter
	controlLimit   adapter.Limiter

	requestTimeout time.Duration
	log            *zerolog.Logger
}

func NewServer(
	sessionUC usecase.BotSessionUseCase,
	tokenUC usecase.TokenUseCase,
	auth *AuthManager,
	origins *OriginGuard,
	heartbeatLimit adapter.Limiter,
	controlLimit adapter.Limiter,
	requestTimeout time.Duration,
	logger *zerolog.Logger,
) *Server {
	return &Server{
		sessionUC:      sessionUC,
		tokenUC:        tokenUC,
		auth:           auth,
		origins:        origins,
		heartbeatLimit: heartbeatLimit,
		controlLimit:   controlLimit,
		requestTimeout: requestTimeout,
		log:            logger,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, TraceID, Metrics, RequestLog(s.log), Recover(s.log))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/autoapply/bot", func(r chi.Router) {
		if s.requestTimeout > 0 {
			// Handlers map context.DeadlineExceeded to a JSON 504; Timeout
			// covers the ones that return without writing.
			r.Use(middleware.Timeout(s.requestTimeout))
		}

		r.Post("/heartbeat", s.handleHeartbeat)
		r.Post("/complete", s.handleComplete)

		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)
			r.Get("/status", s.handleStatus)

			r.Group(func(r chi.Router) {
				r.Use(s.requireOrigin)
				r.Post("/stop", s.handleStop)
				r.Post("/start", s.handleStart)
			})
		})
	})

	return r
}

type ctxKey int

const ctxAuth ctxKey = iota

type authInfo struct {
	userID    string
	viaCookie bool
}

func userFrom(ctx context.Context) (authInfo, bool) {
	a, ok := ctx.Value(ctxAuth).(authInfo)
	return a, ok
}

// requireUser resolves the signed-in user from the session cookie.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, viaCookie, err := s.auth.UserFromRequest(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Unauthorized"})
			return
		}
		ctx := context.WithValue(r.Context(), ctxAuth, authInfo{userID: userID, viaCookie: viaCookie})
		next.ServeHTTP(w, r.WithContext(logging.WithUserID(ctx, userID)))
	})
}

// requireOrigin applies the origin check to cookie-authenticated requests.
// Bearer callers cannot be driven by a foreign page and skip it.
func (s *Server) requireOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, _ := userFrom(r.Context())
		if a.viaCookie && !s.origins.Allowed(r) {
			logging.With(r.Context(), s.log).Warn().
				Str("origin", r.Header.Get("Origin")).
				Str("referer", r.Header.Get("Referer")).
				Msg("cross-origin request refused")
			writeJSON(w, http.StatusForbidden, errorBody{Error: "Forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow checks a per-user budget. A limiter outage lets the request through.
func (s *Server) allow(ctx context.Context, l adapter.Limiter, budget, userID string) bool {
	if l == nil {
		return true
	}
	ok, err := l.Allow(ctx, userID)
	if err != nil {
		logging.With(ctx, s.log).Warn().Err(err).Str("budget", budget).Msg("rate limiter unavailable")
		return true
	}
	if !ok {
		metrics.IncRateLimited(budget)
	}
	return ok
}
