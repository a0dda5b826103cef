package api

import (
    "context"
    "net/http"
    "strings"
    "time"

    "github.com/go-chi/chi/v5"
    "github.com/go-chi/chi/v5/middleware"
    "github.com/go-chi/cors"
    "github.com/rs/zerolog/log"

    "github.com/robot-link/robot-link-server/internal/auth"
    "github.com/robot-link/robot-link-server/internal/config"
    "github.com/robot-link/robot-link-server/internal/registry"
    "github.com/robot-link/robot-link-server/internal/server"
    "github.com/robot-link/robot-link-server/internal/storage"
)

// Sessions is the read side of the connection registry.
type Sessions interface {
    ListOnline() []string
    Get(deviceID string) (registry.SessionInfo, bool)
    Len() int
}

// Deps are the collaborators of the REST server. Store may be nil, in which
// case the history endpoints answer 503.
type Deps struct {
    Sessions   Sessions
    Dispatcher *server.Dispatcher
    Verifier   auth.Verifier
    Socket     http.Handler
    Store      storage.Store
}

// RESTServer represents the REST API server
type RESTServer struct {
    config     *config.Config
    sessions   Sessions
    dispatcher *server.Dispatcher
    verifier   auth.Verifier
    store      storage.Store
    router     chi.Router
    server     *http.Server
    started    time.Time
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, deps Deps) *RESTServer {
    s := &RESTServer{
        config:     cfg,
        sessions:   deps.Sessions,
        dispatcher: deps.Dispatcher,
        verifier:   deps.Verifier,
        store:      deps.Store,
        router:     chi.NewRouter(),
        started:    time.Now(),
    }

    s.setupRoutes(deps.Socket)

    // No read/write timeouts: robot sockets are long-lived. REST requests
    // are bounded by middleware.Timeout instead.
    s.server = &http.Server{
        Handler:           s.router,
        ReadHeaderTimeout: 15 * time.Second,
        IdleTimeout:       60 * time.Second,
    }

    return s
}

// Handler exposes the router, mainly for tests.
func (s *RESTServer) Handler() http.Handler {
    return s.router
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes(socket http.Handler) {
    s.router.Use(middleware.RequestID)
    s.router.Use(middleware.RealIP)
    s.router.Use(middleware.Recoverer)

    if socket != nil {
        s.router.Handle(s.config.API.SocketPath, socket)
    }

    s.router.Route("/api/v1", func(r chi.Router) {
        r.Use(middleware.Logger)
        r.Use(middleware.Timeout(60 * time.Second))
        r.Use(cors.Handler(cors.Options{
            AllowedOrigins:   []string{"*"},
            AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
            AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
            ExposedHeaders:   []string{"X-Request-Id"},
            AllowCredentials: false,
            MaxAge:           300,
        }))
        s.setupAPIRoutes(r)
    })
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
    s.server.Addr = addr
    log.Info().
        Str("addr", addr).
        Str("socket_path", s.config.API.SocketPath).
        Msg("Starting REST API server")
    return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server. Hijacked robot sockets are not
// tracked by http.Server and must be closed through the registry.
func (s *RESTServer) Shutdown(ctx context.Context) error {
    return s.server.Shutdown(ctx)
}

type contextKey string

const principalKey contextKey = "principal"

// PrincipalFrom returns the authenticated caller stored by authMiddleware.
func PrincipalFrom(ctx context.Context) (*auth.Principal, bool) {
    p, ok := ctx.Value(principalKey).(*auth.Principal)
    return p, ok
}

// authMiddleware is the authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        authHeader := r.Header.Get("Authorization")
        if authHeader == "" {
            s.respondError(w, http.StatusUnauthorized, "missing authorization header")
            return
        }

        scheme, token, ok := strings.Cut(authHeader, " ")
        if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
            s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
            return
        }

        ctx, cancel := context.WithTimeout(r.Context(), s.config.Auth.VerifyTimeout)
        principal, err := s.verifier.Verify(ctx, token)
        cancel()
        if err != nil {
            s.respondError(w, http.StatusUnauthorized, "invalid token")
            return
        }

        ctx = context.WithValue(r.Context(), principalKey, principal)
        next.ServeHTTP(w, r.WithContext(ctx))
    })
}

// requireRole rejects callers whose principal lacks role.
func (s *RESTServer) requireRole(role string) func(http.Handler) http.Handler {
    return func(next http.Handler) http.Handler {
        return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
            p, ok := PrincipalFrom(r.Context())
            if !ok || p.Role != role {
                s.respondError(w, http.StatusForbidden, "insufficient role")
                return
            }
            next.ServeHTTP(w, r)
        })
    }
}
