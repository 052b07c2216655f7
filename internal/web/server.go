// Package web provides the HTTP surface for the operant-box daemon:
// status page, JSON snapshots, and the actuation API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sweeney/operant-box/internal/calib"
	"github.com/sweeney/operant-box/internal/monitor"
	"github.com/sweeney/operant-box/internal/ports"
	"github.com/sweeney/operant-box/internal/status"
)

// Actuator is the slice of the actuation coordinator the HTTP API drives.
type Actuator interface {
	Actuate(ctx context.Context, port int, duration time.Duration) (int, error)
	ActuateAmount(ctx context.Context, port int, microliters float64) (int, error)
}

var _ Actuator = (*monitor.Coordinator)(nil)

// Server serves the status page and actuation API over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	actuator   Actuator
}

// New creates a Server that reads state from the given tracker and
// delivers rewards through act. metrics may be nil to disable the
// /metrics route.
func New(addr string, tracker *status.Tracker, act Actuator, metrics http.Handler) *Server {
	s := &Server{tracker: tracker, actuator: act}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	mux.HandleFunc("/position", s.handlePosition)
	mux.HandleFunc("/actuate", s.handleActuate)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	writeJSON(w, http.StatusOK, status.FormatPosition(snap.Position))
}

func (s *Server) handleActuate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req actuateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, actuateResponse{Error: "bad request body: " + err.Error()})
		return
	}
	if req.Port <= 0 {
		writeJSON(w, http.StatusBadRequest, actuateResponse{Error: "port must be positive"})
		return
	}
	if req.AmountUl > 0 && req.DurationMs > 0 {
		writeJSON(w, http.StatusBadRequest, actuateResponse{Port: req.Port, Error: "specify duration_ms or amount_ul, not both"})
		return
	}

	var attempts int
	var err error
	if req.AmountUl > 0 {
		attempts, err = s.actuator.ActuateAmount(r.Context(), req.Port, req.AmountUl)
	} else {
		attempts, err = s.actuator.Actuate(r.Context(), req.Port, time.Duration(req.DurationMs)*time.Millisecond)
	}
	if err != nil {
		writeJSON(w, actuateStatus(err), actuateResponse{Port: req.Port, Attempts: attempts, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, actuateResponse{
		OK:         true,
		Port:       req.Port,
		DurationMs: req.DurationMs,
		AmountUl:   req.AmountUl,
		Attempts:   attempts,
	})
}

// actuateStatus maps delivery errors onto HTTP statuses.
func actuateStatus(err error) int {
	var unknown *ports.UnknownPortError
	var noValve *ports.NoValveError
	if errors.As(err, &unknown) || errors.As(err, &noValve) || errors.Is(err, calib.ErrNotCalibrated) {
		return http.StatusBadRequest
	}
	var actErr *monitor.ActuationError
	if errors.As(err, &actErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
