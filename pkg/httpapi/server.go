// Package httpapi is the optional, disabled-by-default HTTP
// introspection server (§4.7's get_stats() surfaced over HTTP instead
// of only the programmatic API), built the way
// cmd/announce-webui-simple/main.go wires gorilla/mux: one router, one
// HandleFunc per endpoint, JSON responses.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cuemby/taskcoordinator/pkg/coordinator"
	"github.com/cuemby/taskcoordinator/pkg/metrics"
)

// Server exposes a coordinator's state for operators and dashboards.
// Most endpoints are read-only; /workers/{hashkey}/drain and
// /cache/{fingerprint}/invalidate are the two narrow operator-triggered
// mutations (§4.2 draining, §4.6 invalidation) that have no other
// outside-the-process entry point.
type Server struct {
	coord  *coordinator.Coordinator
	router *mux.Router
}

// New builds the router. Call Handler to get the http.Handler to serve.
func New(coord *coordinator.Coordinator) *Server {
	s := &Server{coord: coord, router: mux.NewRouter()}
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/tasks", s.handleTasks).Methods(http.MethodGet)
	s.router.HandleFunc("/workers", s.handleWorkers).Methods(http.MethodGet)
	s.router.HandleFunc("/workers/{hashkey}/drain", s.handleDrainWorker).Methods(http.MethodPost)
	s.router.HandleFunc("/cache/{fingerprint}/invalidate", s.handleInvalidateArtifact).Methods(http.MethodPost)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return s
}

// Handler returns the server's http.Handler, ready to pass to
// http.Server or httptest.NewServer.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.coord.Stats())
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.coord.Tasks())
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.coord.Workers())
}

func (s *Server) handleDrainWorker(w http.ResponseWriter, r *http.Request) {
	hashkey := mux.Vars(r)["hashkey"]
	s.coord.DrainWorker(hashkey)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleInvalidateArtifact(w http.ResponseWriter, r *http.Request) {
	fingerprint := mux.Vars(r)["fingerprint"]
	s.coord.InvalidateArtifact(fingerprint)
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
