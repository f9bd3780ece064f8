package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/tonieflash/flash-console/internal/auth"
	"github.com/tonieflash/flash-console/internal/config"
	"github.com/tonieflash/flash-console/internal/device"
	"github.com/tonieflash/flash-console/internal/storage"
	"github.com/tonieflash/flash-console/internal/validation"
	"github.com/tonieflash/flash-console/internal/workflow"
)

type contextKey string

const claimsKey contextKey = "claims"

// PortSelector chooses the serial port the programmer opens.
type PortSelector interface {
	SetPort(name string)
	Port() string
}

// Deps are the collaborators served by the API.
type Deps struct {
	Workflow  *workflow.Workflow
	Ports     PortSelector
	ListPorts func() ([]device.PortInfo, error)
	Store     storage.Store
	Hub       *Hub
}

// RESTServer represents the REST API server
type RESTServer struct {
	config    *config.Config
	workflow  *workflow.Workflow
	ports     PortSelector
	listPorts func() ([]device.PortInfo, error)
	store     storage.Store
	hub       *Hub
	auth      *auth.JWTManager
	validator *validation.Validator
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, deps Deps) *RESTServer {
	if deps.ListPorts == nil {
		deps.ListPorts = device.ListPorts
	}
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}

	s := &RESTServer{
		config:    cfg,
		workflow:  deps.Workflow,
		ports:     deps.Ports,
		listPorts: deps.ListPorts,
		store:     deps.Store,
		hub:       deps.Hub,
		auth:      auth.NewJWTManager(&cfg.JWT, &cfg.Auth),
		validator: validation.NewValidator(),
		router:    chi.NewRouter(),
	}

	s.setupRoutes()

	// No write timeout: image downloads and the event stream are long-lived.
	s.server = &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler serving the API and the web UI.
func (s *RESTServer) Handler() http.Handler {
	return s.server.Handler
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.API.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// handler mounts the static web UI next to the API when its directory exists.
func (s *RESTServer) handler() http.Handler {
	webDir := s.config.Web.StaticDir
	if envWebDir := os.Getenv("WEB_DIR"); envWebDir != "" {
		webDir = envWebDir
	}
	if webDir == "" {
		return s.router
	}

	if _, err := os.Stat(webDir); os.IsNotExist(err) {
		log.Warn().Str("dir", webDir).Msg("Web directory not found, Web UI will not be available")
		return s.router
	}
	log.Info().Str("dir", webDir).Msg("Serving Web UI from directory")

	fs := http.FileServer(http.Dir(webDir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			s.router.ServeHTTP(w, r)
			return
		}

		// Client-side routes fall back to the single page.
		if r.URL.Path == "/" || !strings.Contains(r.URL.Path, ".") {
			http.ServeFile(w, r, filepath.Join(webDir, "index.html"))
			return
		}

		fs.ServeHTTP(w, r)
	})
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

// authMiddleware is the authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.config.Auth.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		var token string
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}
			token = parts[1]
		} else if websocketRequest(r) {
			// Browsers cannot set headers on a WebSocket handshake.
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		claims, err := s.auth.ValidateToken(token)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func websocketRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
