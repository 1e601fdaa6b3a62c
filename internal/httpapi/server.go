package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"NewsDigest/internal/domain"
	"NewsDigest/internal/metrics"
	"NewsDigest/internal/usecase"
	"NewsDigest/pkg/logger"
)

// ScheduleReporter exposes the schedule controller state.
type ScheduleReporter interface {
	Status() (usecase.ScheduleState, time.Time)
}

// Deps wires the ops surface. Any nil dependency disables the routes that need it.
type Deps struct {
	Settings usecase.SettingsSource
	Schedule ScheduleReporter
	Jobs     usecase.JobSubmitter
	Digest   func(ctx context.Context) error
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
}

type server struct {
	deps Deps
	log  *slog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

type scheduleResponse struct {
	State    string     `json:"state"`
	NextFire *time.Time `json:"next_fire"`
}

type digestResponse struct {
	JobID string `json:"job_id"`
}

// NewRouter mounts health, metrics, settings, schedule and the send-now trigger.
func NewRouter(deps Deps) http.Handler {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	srv := &server{deps: deps, log: log.With("component", "httpapi")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealth)
	r.Handle("/metrics", deps.Metrics.Handler())
	r.Get("/settings", srv.handleSettings)
	r.Get("/schedule", srv.handleSchedule)
	r.Post("/digest", srv.handleDigest)
	return r
}

// NewServer returns an http.Server with bounded timeouts; library errors go to the slog logger.
func NewServer(addr string, handler http.Handler, log *slog.Logger) *http.Server {
	if log == nil {
		log = slog.Default()
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		ErrorLog:          logger.New("httpapi", log),
	}
}

// Serve runs srv until ctx ends, then shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server, log *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("ops server starting", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("ops server shutdown", slog.Any("err", err))
		return err
	}
	return nil
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleSettings(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Settings == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "settings unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Settings.Snapshot())
}

func (s *server) handleSchedule(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Schedule == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "scheduler unavailable"})
		return
	}
	state, next := s.deps.Schedule.Status()
	resp := scheduleResponse{State: state.String()}
	if !next.IsZero() {
		resp.NextFire = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleDigest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil || s.deps.Digest == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "digest trigger unavailable"})
		return
	}
	job := usecase.Job{
		ID:   uuid.NewString(),
		Kind: string(domain.KindDigest),
		Run:  s.deps.Digest,
	}
	if !s.deps.Jobs.Submit(job) {
		s.log.Warn("digest trigger rejected, queue full")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "job queue full"})
		return
	}
	s.log.Info("digest triggered over http", "job_id", job.ID, "request_id", middleware.GetReqID(r.Context()))
	writeJSON(w, http.StatusAccepted, digestResponse{JobID: job.ID})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
