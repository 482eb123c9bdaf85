// Package api is the scheduler's admin HTTP surface: health checks, Prometheus
// metrics, schedule inspection and the run-now/kill flags.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/fnscraper/internal/clock"
	"github.com/JakeFAU/fnscraper/internal/metrics"
	"github.com/JakeFAU/fnscraper/internal/schedule"
	"github.com/JakeFAU/fnscraper/internal/scheduler"
	"github.com/JakeFAU/fnscraper/internal/store"
)

const storeTimeout = 3 * time.Second

// RunningLister reports in-flight children.
type RunningLister interface {
	Running() []scheduler.RunningInfo
}

// Config tunes the admin server.
type Config struct {
	// APIKey, when set, must be sent as X-API-Key or ?api_key=.
	APIKey string
	// ProcessStart anchors cron decisions in the status view.
	ProcessStart time.Time
	// Owns filters schedules to the ones this worker runs. Nil shows all.
	Owns func(name string) bool
}

// Server wires HTTP handlers to the schedule store and the engine.
type Server struct {
	router  chi.Router
	store   schedule.Store
	runs    store.RunRepository
	running RunningLister
	clock   clock.Clock
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. runs and running may be nil.
func NewServer(
	st schedule.Store,
	runs store.RunRepository,
	running RunningLister,
	clk clock.Clock,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:   st,
		runs:    runs,
		running: running,
		clock:   clk,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/running", s.listRunning)
		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.listSchedules)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", s.getSchedule)
				r.Post("/run", s.runNow)
				r.Post("/kill", s.kill)
			})
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Get("/{run_id}", s.getRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz lists schedules as a cheap round trip to the store.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if _, err := s.store.List(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "schedule store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	all, err := s.store.List(ctx)
	if err != nil {
		s.logger.Error("list schedules failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}
	now := s.clock.Now()
	out := make([]scheduleDTO, 0, len(all))
	for _, sc := range all {
		if s.cfg.Owns != nil && !s.cfg.Owns(sc.Name) {
			continue
		}
		out = append(out, toScheduleDTO(sc, now, s.cfg.ProcessStart))
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": out})
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	sc, err := s.store.Get(ctx, chi.URLParam(r, "name"))
	if err != nil {
		s.storeError(w, "get schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": toScheduleDTO(sc, s.clock.Now(), s.cfg.ProcessStart)})
}

func (s *Server) runNow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if err := s.store.RequestRunNow(ctx, name, s.clock.Now()); err != nil {
		s.storeError(w, "request run", err)
		return
	}
	s.logger.Info("run requested", zap.String("scraper", name))
	writeJSON(w, http.StatusAccepted, map[string]string{"scraper": name, "requested": "run"})
}

func (s *Server) kill(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if err := s.store.RequestKill(ctx, name); err != nil {
		s.storeError(w, "request kill", err)
		return
	}
	s.logger.Info("kill requested", zap.String("scraper", name))
	writeJSON(w, http.StatusAccepted, map[string]string{"scraper": name, "requested": "kill"})
}

func (s *Server) listRunning(w http.ResponseWriter, _ *http.Request) {
	running := []scheduler.RunningInfo{}
	if s.running != nil {
		running = append(running, s.running.Running()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"running": running})
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, schedule.ErrNotFound) {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	s.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

type scheduleDTO struct {
	Name                string     `json:"name"`
	Timezone            string     `json:"timezone"`
	CronSchedule        string     `json:"cron_schedule,omitempty"`
	CronMaxDuration     string     `json:"cron_max_schedule_duration,omitempty"`
	SchedulingPeriod    string     `json:"scheduling_period,omitempty"`
	Cooldown            string     `json:"cooldown_duration,omitempty"`
	Blackouts           []string   `json:"blackout_periods,omitempty"`
	MaxExpectedDuration string     `json:"max_expected_duration,omitempty"`
	MaxAllowedDuration  string     `json:"max_allowed_duration,omitempty"`
	AverageGoodDuration string     `json:"average_good_duration,omitempty"`
	LastStartAt         *time.Time `json:"last_start_at,omitempty"`
	LastEndAt           *time.Time `json:"last_end_at,omitempty"`
	LastGoodStartAt     *time.Time `json:"last_good_start_at,omitempty"`
	LastGoodEndAt       *time.Time `json:"last_good_end_at,omitempty"`
	OwnerStartAt        *time.Time `json:"owner_start_at,omitempty"`
	RunImmediately      *time.Time `json:"run_immediately,omitempty"`
	KillImmediately     bool       `json:"kill_immediately"`
	LastRunFailed       bool       `json:"last_run_failed"`
	Status              string     `json:"status"`
}

func toScheduleDTO(s schedule.Schedule, now, processStart time.Time) scheduleDTO {
	dto := scheduleDTO{
		Name:                s.Name,
		Timezone:            s.Timezone,
		CronSchedule:        s.CronSchedule,
		CronMaxDuration:     durationString(s.CronMaxScheduleDuration),
		SchedulingPeriod:    durationString(s.SchedulingPeriod),
		Cooldown:            durationString(s.CooldownDuration),
		MaxExpectedDuration: durationString(s.MaxExpectedDuration),
		MaxAllowedDuration:  durationString(s.MaxAllowedDuration),
		LastStartAt:         s.LastStartAt,
		LastEndAt:           s.LastEndAt,
		LastGoodStartAt:     s.LastGoodStartAt,
		LastGoodEndAt:       s.LastGoodEndAt,
		OwnerStartAt:        s.OwnerStartAt,
		RunImmediately:      s.RunImmediately,
		KillImmediately:     s.KillImmediately,
		LastRunFailed:       s.LastRunFailed(),
		Status:              schedule.Describe(s, now, processStart),
	}
	if s.AverageGoodDuration != nil {
		dto.AverageGoodDuration = s.AverageGoodDuration.String()
	}
	for _, b := range s.BlackoutPeriods {
		dto.Blackouts = append(dto.Blackouts, b.Start.String()+"-"+b.End.String())
	}
	return dto
}

func durationString(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return d.String()
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.Stack("stack"))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
