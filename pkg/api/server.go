package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/ngnpope/mellon/pkg/federation"
	"github.com/ngnpope/mellon/pkg/observability"
	"github.com/ngnpope/mellon/pkg/saml"
	"github.com/ngnpope/mellon/pkg/sessions"
)

// SessionCookie is the name of the cookie carrying the local session ID.
const SessionCookie = "mellon_session"

// Server exposes the SAML service-provider endpoints.
type Server struct {
	router   *mux.Router
	registry *saml.Registry
	broker   *federation.Broker
	sessions *sessions.Store
	logger   *observability.Logger
	metrics  *observability.Metrics

	// secureCookies is derived from the SP base URL scheme.
	secureCookies bool
}

// NewServer creates the API server and wires its routes.
func NewServer(registry *saml.Registry, broker *federation.Broker, store *sessions.Store, logger *observability.Logger, metrics *observability.Metrics, baseURL string) *Server {
	s := &Server{
		router:        mux.NewRouter(),
		registry:      registry,
		broker:        broker,
		sessions:      store,
		logger:        logger,
		metrics:       metrics,
		secureCookies: strings.HasPrefix(baseURL, "https://"),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all SSO routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.metricsMiddleware)

	s.router.HandleFunc("/sso/login", s.login).Methods("GET")
	s.router.HandleFunc("/sso/acs", s.assertionConsumer).Methods("POST")
	s.router.HandleFunc("/sso/logout", s.logout).Methods("GET")
	s.router.HandleFunc("/sso/slo", s.singleLogout).Methods("GET", "POST")
	s.router.HandleFunc("/sso/metadata", s.metadata).Methods("GET")
	s.router.HandleFunc("/sso/session", s.currentSession).Methods("GET")

	s.router.HandleFunc("/healthz", s.healthz).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
