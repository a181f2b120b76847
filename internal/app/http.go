package app

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omartood/Ai-Mentor-for-Javascript-Only/internal/health"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/internal/resilience"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/internal/voice"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/audio"
	"github.com/omartood/Ai-Mentor-for-Javascript-Only/pkg/provider/s2s"
)

// statusResponse is the body of GET /v1/session.
type statusResponse struct {
	Active    bool         `json:"active"`
	Session   *SessionInfo `json:"session,omitempty"`
	LastClose *CloseInfo   `json:"last_close,omitempty"`
	Breaker   string       `json:"breaker"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the control surface:
//
//	GET    /v1/session   current session and last close reason
//	POST   /v1/session   start a session
//	DELETE /v1/session   stop the session
//	GET    /healthz      liveness
//	GET    /readyz       readiness
//	GET    /metrics      Prometheus scrape endpoint
//
// gatherer may be nil, in which case /metrics is not served.
func Handler(m *SessionManager, h *health.Handler, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/session", func(w http.ResponseWriter, r *http.Request) {
		handleStatus(m, w, r)
	})
	mux.HandleFunc("POST /v1/session", func(w http.ResponseWriter, r *http.Request) {
		handleStart(m, w, r)
	})
	mux.HandleFunc("DELETE /v1/session", func(w http.ResponseWriter, r *http.Request) {
		handleStop(m, w, r)
	})
	h.Register(mux)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Checkers returns the readiness checks backed by m.
func Checkers(m *SessionManager) []health.Checker {
	return []health.Checker{{
		Name: "connect",
		Check: func(context.Context) error {
			if d := m.Breaker().RetryAfter(); d > 0 {
				return errors.New("circuit open, retry in " + d.Round(time.Second).String())
			}
			return nil
		},
	}}
}

func handleStatus(m *SessionManager, w http.ResponseWriter, _ *http.Request) {
	res := statusResponse{Breaker: m.Breaker().State().String()}
	if m.IsActive() {
		info := m.Info()
		res.Active = true
		res.Session = &info
	}
	if last, ok := m.LastClose(); ok {
		res.LastClose = &last
	}
	writeJSON(w, http.StatusOK, res)
}

func handleStart(m *SessionManager, w http.ResponseWriter, r *http.Request) {
	// The session outlives the request.
	info, err := m.Start(context.WithoutCancel(r.Context()))
	if err != nil {
		status := startErrorStatus(err)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			secs := math.Ceil(m.Breaker().RetryAfter().Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(max(int(secs), 1)))
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func handleStop(m *SessionManager, w http.ResponseWriter, r *http.Request) {
	err := m.Stop(r.Context())
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrNoSession):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: err.Error()})
	}
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrSessionActive), errors.Is(err, voice.ErrStopped),
		errors.Is(err, voice.ErrAlreadyStarted):
		return http.StatusConflict
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, s2s.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
