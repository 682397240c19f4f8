package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/skyrelay/antigravity-gateway/internal/antigravity"
	"github.com/skyrelay/antigravity-gateway/internal/config"
	"github.com/skyrelay/antigravity-gateway/internal/cooldown"
	"github.com/skyrelay/antigravity-gateway/internal/credential"
	"github.com/skyrelay/antigravity-gateway/internal/quota"
	"github.com/skyrelay/antigravity-gateway/internal/selector"
	"github.com/skyrelay/antigravity-gateway/internal/translator"
	"github.com/skyrelay/antigravity-gateway/internal/usagedb"
	"github.com/skyrelay/antigravity-gateway/internal/version"
)

// Deps carries the long-lived services the handlers need. Everything is
// constructed at startup and injected; handlers hold no globals.
type Deps struct {
	Config     config.Config
	Logger     *log.Logger
	Store      *credential.Store
	Registry   *cooldown.Registry
	Monitor    *quota.Monitor
	Selector   *selector.Selector
	Translator *translator.Translator
	Client     *antigravity.Client
	// Usage may be nil when the usage database failed to open.
	Usage *usagedb.Store
}

// Server exposes the client-facing messages API and the admin surface.
type Server struct {
	cfg        config.Config
	logger     *log.Logger
	store      *credential.Store
	registry   *cooldown.Registry
	monitor    *quota.Monitor
	selector   *selector.Selector
	translator *translator.Translator
	client     *antigravity.Client
	usage      *usagedb.Store
}

// NewServer constructs a Server with the required dependencies.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:        deps.Config,
		logger:     logger,
		store:      deps.Store,
		registry:   deps.Registry,
		monitor:    deps.Monitor,
		selector:   deps.Selector,
		translator: deps.Translator,
		client:     deps.Client,
		usage:      deps.Usage,
	}
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/v1/messages", s.handleMessages)
		r.Post("/v1/messages/count_tokens", s.handleCountTokens)
	})

	if s.cfg.PanelUser != "" && s.cfg.PanelPassword != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireBasicAuth)
			r.Get("/credentials", s.handleAdminCredentials)
			r.Get("/cooldowns", s.handleAdminCooldowns)
			r.Delete("/cooldowns", s.handleAdminClearCooldowns)
			r.Delete("/cooldowns/{projectID}/{model}", s.handleAdminRemoveCooldown)
			r.Get("/usage", s.handleAdminUsage)
		})
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     version.Version,
		"time":        time.Now().UTC().Format(time.RFC3339),
		"credentials": s.store.Len(),
		"cooldowns":   len(s.registry.List()),
	})
}

// requireAPIKey enforces the optional client key on the /v1 surface.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := strings.TrimSpace(r.Header.Get("x-api-key"))
		if key == "" {
			key = bearerToken(r.Header.Get("Authorization"))
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			s.respondAPIError(w, http.StatusUnauthorized, "authentication_error", "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireBasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.PanelUser)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.PanelPassword)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
			s.respondAPIError(w, http.StatusUnauthorized, "authentication_error", "invalid credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAdminCredentials(w http.ResponseWriter, r *http.Request) {
	type credView struct {
		ProjectID      string                            `json:"projectId"`
		Enabled        bool                              `json:"enabled"`
		ExpiresAt      time.Time                         `json:"expiresAt"`
		DisabledModels []string                          `json:"disabledModels"`
		Quota          map[string]antigravity.ModelQuota `json:"quota,omitempty"`
	}
	out := make([]credView, 0, s.store.Len())
	for _, cred := range s.store.List() {
		out = append(out, credView{
			ProjectID:      cred.Project(),
			Enabled:        cred.Enabled(),
			ExpiresAt:      cred.ExpiresAt(),
			DisabledModels: cred.DisabledModelList(),
			Quota:          s.monitor.Snapshot(cred),
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"credentials": out})
}

func (s *Server) handleAdminCooldowns(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"cooldowns": s.registry.List()})
}

func (s *Server) handleAdminClearCooldowns(w http.ResponseWriter, r *http.Request) {
	s.registry.ClearAll()
	s.logger.Printf("[INFO] admin: all cooldowns cleared")
	s.respondJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func (s *Server) handleAdminRemoveCooldown(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	model := chi.URLParam(r, "model")
	s.registry.Remove(projectID, model)
	s.logger.Printf("[INFO] admin: cooldown removed project=%s model=%s", projectID, model)
	s.respondJSON(w, http.StatusOK, map[string]any{"removed": true})
}

func (s *Server) handleAdminUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.respondAPIError(w, http.StatusServiceUnavailable, "api_error", "usage database unavailable")
		return
	}
	recent, err := s.usage.ListRecent(r.Context(), 100)
	if err != nil {
		s.respondAPIError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	totals, err := s.usage.TotalsByModel(r.Context(), time.Now().Add(-24*time.Hour))
	if err != nil {
		s.respondAPIError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"recent":      recent,
		"last24hours": totals,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondAPIError emits an error body in the client's native shape.
func (s *Server) respondAPIError(w http.ResponseWriter, status int, kind, message string) {
	s.respondJSON(w, status, map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    kind,
			"message": message,
		},
	})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
