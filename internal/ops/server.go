package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"flight-deal-alerts/internal/domain"
)

// StatusSource exposes the orchestrator's progress.
type StatusSource interface {
	LastReport() (domain.CycleReport, bool)
	InProgress() bool
}

// Pinger checks a backing dependency, typically the database pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type cycleStatus struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
	Checked    int       `json:"checked"`
	Matched    int       `json:"matched"`
	Notified   int       `json:"notified"`
	Suppressed int       `json:"suppressed"`
	Failed     int       `json:"failed"`
	Invalid    int       `json:"invalid"`
}

type statusResponse struct {
	InProgress bool         `json:"in_progress"`
	LastCycle  *cycleStatus `json:"last_cycle"`
}

// NewRouter builds the ops routes. pinger may be nil when running without a database.
func NewRouter(status StatusSource, gatherer prometheus.Gatherer, pinger Pinger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if pinger != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := pinger.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		resp := statusResponse{InProgress: status.InProgress()}
		if report, ok := status.LastReport(); ok {
			resp.LastCycle = &cycleStatus{
				StartedAt:  report.StartedAt,
				FinishedAt: report.FinishedAt,
				DurationMS: report.Duration().Milliseconds(),
				Checked:    report.Checked,
				Matched:    report.Matched,
				Notified:   report.Notified,
				Suppressed: report.Suppressed,
				Failed:     report.Failed,
				Invalid:    report.Invalid,
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Server serves the ops router until its context ends.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer binds handler to addr.
func NewServer(addr string, handler http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "ops").Logger(),
	}
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("ops server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
