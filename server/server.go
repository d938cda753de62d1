// Package server is the HTTP surface: the WebSocket endpoint the web
// client talks to, a health check, and the metrics endpoint. All
// application logic lives behind the hub's Backend interface; the server
// only routes, authenticates, and upgrades.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/containerd/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wikimedia/commons-curator/hub"
)

// Authenticator resolves the request's user. Unauthenticated requests
// get an errdefs-classified error.
type Authenticator interface {
	Authenticate(r *http.Request) (hub.Identity, error)
}

// Options wires a Server.
type Options struct {
	Hub     *hub.Hub
	Backend hub.Backend
	Auth    Authenticator

	// CheckOrigin overrides the upgrade origin policy; nil keeps the
	// gorilla same-origin default.
	CheckOrigin func(r *http.Request) bool
}

// Server serves the tool's HTTP routes.
type Server struct {
	hub      *hub.Hub
	backend  hub.Backend
	auth     Authenticator
	upgrader websocket.Upgrader
	router   *mux.Router
}

// New builds the router.
func New(opts Options) *Server {
	s := &Server{
		hub:     opts.Hub,
		backend: opts.Backend,
		auth:    opts.Auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		router: mux.NewRouter(),
	}

	s.router.HandleFunc("/ws", s.serveWS).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.serveHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		log.G(r.Context()).WithError(err).Debug("websocket upgrade failed")
		return
	}

	// The session outlives the request context: worker deltas must keep
	// flowing after the HTTP handler returns.
	hub.ServeConn(context.Background(), ws, s.hub, s.backend, identity)
}

// writeError replies with the tool's error shape. No stack traces leave
// the process.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFromError(err))
	json.NewEncoder(w).Encode(map[string]string{"detail": err.Error()})
}
