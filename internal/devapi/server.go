// Package devapi is a development stand-in for the course feedback API: it
// authenticates against a YAML directory, serves the settings flag and renders
// a handful of gated pages.
package devapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"filippo.io/csrf"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/coursepulse/internal/guard"
	"github.com/wolfeidau/coursepulse/internal/logger"
	"github.com/wolfeidau/coursepulse/internal/maintenance"
	"github.com/wolfeidau/coursepulse/internal/models"
)

// IdentityCookie carries the identity token for HTML pages.
const IdentityCookie = "coursepulse_identity"

// Config configures a Server.
type Config struct {
	Directory    *Directory
	CORSOrigins  []string
	Clock        clockwork.Clock
	GateInterval time.Duration
	Maintenance  bool // initial maintenance flag
}

// Server holds issued identities and the application settings in memory.
type Server struct {
	directory   *Directory
	corsOrigins []string
	clock       clockwork.Clock
	gate        *maintenance.Gate

	// epoch is fresh per process so settings ETags from a previous run
	// never validate against this one.
	epoch string

	mu              sync.RWMutex
	identities      map[string]*models.SessionRecord // token -> record
	settings        models.Settings
	settingsVersion int
}

// New creates a server. Call Start to begin polling the maintenance flag for
// the HTML pages.
func New(cfg Config) *Server {
	if cfg.Directory == nil {
		cfg.Directory = DefaultDirectory()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	s := &Server{
		directory:   cfg.Directory,
		corsOrigins: cfg.CORSOrigins,
		clock:       cfg.Clock,
		epoch:       uuid.NewString(),
		identities:  make(map[string]*models.SessionRecord),
		settings:    models.Settings{IsMaintenanceMode: cfg.Maintenance},
	}

	s.gate = maintenance.NewGate(s,
		maintenance.WithClock(cfg.Clock),
		maintenance.WithInterval(cfg.GateInterval),
	)

	return s
}

// Start begins polling the settings for the page gate.
func (s *Server) Start(ctx context.Context) {
	s.gate.Start(ctx)
}

// Stop stops the page gate.
func (s *Server) Stop() {
	s.gate.Stop()
}

// Gate returns the maintenance gate in front of the HTML pages.
func (s *Server) Gate() *maintenance.Gate {
	return s.gate
}

// Settings returns the current settings. It lets the server act as the
// settings collaborator of its own gate.
func (s *Server) Settings(context.Context) (*models.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings := s.settings
	return &settings, nil
}

func (s *Server) issue(u User) (*models.SessionRecord, error) {
	token, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	rec := &models.SessionRecord{
		Identity:    token.String(),
		Role:        u.Role,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		StudentID:   u.StudentID,
		Department:  u.Department,
		IssuedAt:    s.clock.Now().UTC(),
	}

	s.mu.Lock()
	s.identities[rec.Identity] = rec
	s.mu.Unlock()

	return rec, nil
}

func (s *Server) lookup(token string) (*models.SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.identities[token]
	return rec, ok
}

// Revoke forgets an identity; later requests carrying it get 401.
func (s *Server) Revoke(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.identities[token]
	delete(s.identities, token)
	return ok
}

// identityToken reads the bearer token, falling back to the identity cookie.
func identityToken(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	if c, err := r.Cookie(IdentityCookie); err == nil {
		return c.Value
	}
	return ""
}

// SessionOf resolves the session record for a request.
func (s *Server) SessionOf(r *http.Request) (*models.SessionRecord, bool) {
	token := identityToken(r)
	if token == "" {
		return nil, false
	}
	return s.lookup(token)
}

func (s *Server) roleOf(r *http.Request) models.Role {
	if rec, ok := s.SessionOf(r); ok {
		return rec.Role
	}
	return ""
}

// Handler returns the complete HTTP handler: JSON API routes under /api/ with
// CORS, HTML pages with CSRF protection behind the maintenance gate.
func (s *Server) Handler(log zerolog.Logger) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/auth/login", s.handleLogin)
	api.Handle("POST /api/auth/logout", s.RequireIdentity(http.HandlerFunc(s.handleLogout)))
	api.Handle("GET /api/me", s.RequireIdentity(http.HandlerFunc(s.handleMe)))
	api.HandleFunc("GET /api/settings", s.handleGetSettings)
	api.Handle("PUT /api/settings", s.RequireIdentity(http.HandlerFunc(s.handlePutSettings)))

	pages := s.pages()

	protection := csrf.New()
	apiHandler := withCORS(s.corsOrigins, api)
	pageHandler := protection.Handler(maintenance.Middleware(s.gate, s.roleOf)(pages))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAPIRoute(r.URL.Path) {
			apiHandler.ServeHTTP(w, r)
		} else {
			pageHandler.ServeHTTP(w, r)
		}
	})

	return logger.Requests(log)(handler)
}

func (s *Server) pages() http.Handler {
	mux := http.NewServeMux()

	for _, p := range publicPages {
		mux.Handle("GET "+p.path, guard.Middleware(s.SessionOf, guard.Public)(s.renderPage(p)))
	}
	for _, p := range gatedPages {
		mux.Handle("GET "+p.path, guard.Middleware(s.SessionOf, p.requirement)(s.renderPage(p)))
	}

	return mux
}

// RequireIdentity rejects requests without a known identity with 401 and
// stores the session record in the context otherwise.
func (s *Server) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec, ok := s.SessionOf(r)
		if !ok {
			log.Debug().Str("path", r.URL.Path).Msg("Identity auth: unknown or missing identity")
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}

		log.Debug().
			Str("identity", rec.Identity).
			Str("role", rec.Role.String()).
			Msg("Identity auth: authenticated")

		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), rec)))
	})
}

type contextKey string

const sessionContextKey contextKey = "session"

func withSession(ctx context.Context, rec *models.SessionRecord) context.Context {
	return context.WithValue(ctx, sessionContextKey, rec)
}

// SessionFromContext returns the record stored by RequireIdentity.
func SessionFromContext(ctx context.Context) (*models.SessionRecord, bool) {
	rec, ok := ctx.Value(sessionContextKey).(*models.SessionRecord)
	return rec, ok
}

// isAPIRoute returns true if the path is an API route that needs CORS instead of CSRF
func isAPIRoute(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

// withCORS adds CORS support to the JSON API.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "If-None-Match"},
		ExposedHeaders:   []string{"ETag", "Retry-After"},
		AllowCredentials: true,
	})
	return middleware.Handler(h)
}
