package sweepd

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

// AdminServer exposes HTTP endpoints for operator controls.
type AdminServer struct {
	poller  *Poller
	journal Journal
	router  chi.Router
}

// NewAdminServer constructs a server wrapping the provided poller. Every
// route except /healthz and /metrics requires auth.
func NewAdminServer(poller *Poller, journal Journal, auth *Authenticator) *AdminServer {
	if journal == nil {
		journal = nopJournal{}
	}
	r := chi.NewRouter()
	server := &AdminServer{poller: poller, journal: journal, router: r}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Get("/status", server.handleStatus)
		r.Post("/pause", server.handlePause)
		r.Post("/resume", server.handleResume)
		r.Post("/trigger", server.handleTrigger)
		r.Get("/journal", server.handleJournal)
	})
	return server
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the server wrapped with request tracing.
func (s *AdminServer) Handler() http.Handler {
	return otelhttp.NewHandler(s, "sweepd-admin")
}

func (s *AdminServer) handlePause(w http.ResponseWriter, r *http.Request) {
	s.poller.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, r *http.Request) {
	s.poller.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleTrigger(w http.ResponseWriter, r *http.Request) {
	s.poller.Trigger()
	w.WriteHeader(http.StatusAccepted)
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.poller.Snapshot())
}

func (s *AdminServer) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit := defaultJournalLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxJournalLimit)
	}
	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
