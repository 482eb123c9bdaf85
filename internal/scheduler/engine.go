// Package scheduler decides when each scraper runs, launches it as a child
// process, supervises deadlines and kill requests, and records outcomes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/fnscraper/internal/clock"
	iduuid "github.com/JakeFAU/fnscraper/internal/id/uuid"
	"github.com/JakeFAU/fnscraper/internal/metrics"
	"github.com/JakeFAU/fnscraper/internal/schedule"
	"github.com/JakeFAU/fnscraper/internal/store"
)

// Config controls one scheduler instance.
type Config struct {
	// Scrapers restricts the instance to these names. Empty means every row.
	Scrapers []string
	// Parts and MyPart split scrapers across workers by FNV hash of name.
	Parts  int
	MyPart int
	// PollInterval is the loop period.
	PollInterval time.Duration
	// MaxConcurrent caps children. Zero means no cap.
	MaxConcurrent int
	// KillGrace is how long a terminated child may take before it is killed.
	KillGrace      time.Duration
	SmoothingAlpha float64
	// ScraperArgs are appended to the child command line per scraper.
	ScraperArgs map[string][]string
	ServeUntil  ServeUntil
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 30 * time.Second
	}
	if c.SmoothingAlpha <= 0 || c.SmoothingAlpha > 1 {
		c.SmoothingAlpha = schedule.DefaultSmoothingAlpha
	}
	if c.Parts <= 0 {
		c.Parts = 1
	}
	return c
}

// BrokenFunc reports whether a scraper is declared broken, and why.
type BrokenFunc func(name string) (reason string, broken bool)

type child struct {
	name        string
	proc        Process
	start       time.Time
	runID       uuid.UUID
	processID   string
	deadline    time.Time
	hasDeadline bool
	termSentAt  time.Time
	hardKilled  bool
	timedOut    bool
	killed      bool
}

// RunningInfo describes an in-flight child.
type RunningInfo struct {
	Scraper     string     `json:"scraper"`
	PID         int        `json:"pid"`
	ProcessID   string     `json:"process_id"`
	RunID       string     `json:"run_id"`
	StartedAt   time.Time  `json:"started_at"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Terminating bool       `json:"terminating"`
}

// Engine is the scheduler loop. Tick is not safe for concurrent use;
// Running may be called from any goroutine.
type Engine struct {
	store    schedule.Store
	runs     store.RunRepository
	launcher Launcher
	clock    clock.Clock
	cfg      Config
	broken   BrokenFunc
	ids      *iduuid.Source
	logger   *zap.Logger

	processStart time.Time
	brokenLogged map[string]bool

	mu       sync.Mutex
	running  map[string]*child
	draining bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithBrokenCheck skips scrapers for which fn reports broken.
func WithBrokenCheck(fn BrokenFunc) Option {
	return func(e *Engine) { e.broken = fn }
}

// WithRunHistory records every launch and outcome in runs.
func WithRunHistory(runs store.RunRepository) Option {
	return func(e *Engine) { e.runs = runs }
}

// New builds an Engine.
func New(st schedule.Store, launcher Launcher, clk clock.Clock, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:        st,
		launcher:     launcher,
		clock:        clk,
		cfg:          cfg.withDefaults(),
		ids:          iduuid.NewSource(),
		logger:       logger,
		processStart: clk.Now(),
		brokenLogged: make(map[string]bool),
		running:      make(map[string]*child),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) wants(name string) bool {
	if len(e.cfg.Scrapers) > 0 && !slices.Contains(e.cfg.Scrapers, name) {
		return false
	}
	return Owns(name, e.cfg.Parts, e.cfg.MyPart)
}

// RecoverOrphans releases leases left on this instance's scrapers by a
// previous scheduler process and records them as failed attempts.
func (e *Engine) RecoverOrphans(ctx context.Context) (int, error) {
	rows, err := e.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list schedules: %w", err)
	}
	now := e.clock.Now()
	recovered := 0
	for _, row := range rows {
		if row.OwnerStartAt == nil || !e.wants(row.Name) {
			continue
		}
		e.mu.Lock()
		_, mine := e.running[row.Name]
		e.mu.Unlock()
		if mine {
			continue
		}
		o := schedule.Outcome{Start: *row.OwnerStartAt, End: now, ExitCode: -1}
		if err := e.store.RecordOutcome(ctx, row.Name, o, e.cfg.SmoothingAlpha); err != nil {
			if errors.Is(err, schedule.ErrLeaseConflict) {
				continue
			}
			return recovered, fmt.Errorf("release orphaned lease on %s: %w", row.Name, err)
		}
		recovered++
		e.logger.Warn("released orphaned lease",
			zap.String("scraper", row.Name),
			zap.Time("owner_start_at", *row.OwnerStartAt),
		)
	}
	return recovered, nil
}

// Run ticks until ctx ends or the serve-until file changes and every child has
// exited. On cancellation running children are terminated and reaped.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("scheduler tick failed", zap.Error(err))
		}
		if e.cfg.ServeUntil.Expired() {
			e.mu.Lock()
			if !e.draining {
				e.logger.Info("serve-until file changed; draining", zap.String("path", e.cfg.ServeUntil.Path))
			}
			e.draining = true
			idle := len(e.running) == 0
			e.mu.Unlock()
			if idle {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return e.Shutdown(context.WithoutCancel(ctx))
		case <-ticker.C:
		}
	}
}

// Tick reaps exited children, enforces kill requests and deadlines, then
// launches every due scraper.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	for _, c := range e.children() {
		select {
		case ex := <-c.proc.Done():
			e.finish(ctx, c, ex, e.clock.Now())
		default:
			e.supervise(ctx, c, now)
		}
	}
	if e.draining || ctx.Err() != nil {
		return nil
	}
	return e.launchDue(ctx, now)
}

func (e *Engine) children() []*child {
	out := make([]*child, 0, len(e.running))
	for _, c := range e.running {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (e *Engine) supervise(ctx context.Context, c *child, now time.Time) {
	kill, err := e.store.TakeKill(ctx, c.name)
	if err != nil {
		e.logger.Error("read kill flag", zap.String("scraper", c.name), zap.Error(err))
	}
	switch {
	case c.termSentAt.IsZero() && kill:
		c.killed = true
		e.terminate(c, now, "kill requested")
	case c.termSentAt.IsZero() && c.hasDeadline && !now.Before(c.deadline):
		c.timedOut = true
		e.terminate(c, now, "deadline exceeded")
	case !c.termSentAt.IsZero() && !c.hardKilled && now.Sub(c.termSentAt) >= e.cfg.KillGrace:
		c.hardKilled = true
		e.logger.Warn("child ignored termination; killing",
			zap.String("scraper", c.name),
			zap.Int("pid", c.proc.Pid()),
		)
		if err := c.proc.Kill(); err != nil {
			e.logger.Error("kill child", zap.String("scraper", c.name), zap.Error(err))
		}
	}
}

func (e *Engine) terminate(c *child, now time.Time, reason string) {
	c.termSentAt = now
	fields := []zap.Field{
		zap.String("scraper", c.name),
		zap.Int("pid", c.proc.Pid()),
		zap.String("reason", reason),
	}
	if c.hasDeadline {
		fields = append(fields, zap.Time("deadline", c.deadline))
	}
	e.logger.Info("terminating child", fields...)
	if err := c.proc.Terminate(); err != nil {
		e.logger.Error("terminate child", zap.String("scraper", c.name), zap.Error(err))
	}
}

func (e *Engine) launchDue(ctx context.Context, now time.Time) error {
	rows, err := e.store.ListIdle(ctx)
	if err != nil {
		return fmt.Errorf("list idle schedules: %w", err)
	}
	due := func(s schedule.Schedule) bool {
		d, err := schedule.NextRun(s, now, e.processStart)
		return err == nil && d.Run
	}
	for _, row := range rows {
		if e.cfg.MaxConcurrent > 0 && len(e.running) >= e.cfg.MaxConcurrent {
			return nil
		}
		if !e.wants(row.Name) {
			continue
		}
		if _, ok := e.running[row.Name]; ok {
			continue
		}
		if e.broken != nil {
			if reason, broken := e.broken(row.Name); broken {
				if !e.brokenLogged[row.Name] {
					e.logger.Warn("not launching broken scraper", zap.String("scraper", row.Name), zap.String("reason", reason))
					e.brokenLogged[row.Name] = true
				}
				continue
			}
		}
		d, err := schedule.NextRun(row, now, e.processStart)
		if err != nil {
			e.logger.Error("compute next run", zap.String("scraper", row.Name), zap.Error(err))
			continue
		}
		if !d.Run {
			continue
		}
		leased, err := e.store.AcquireLease(ctx, row.Name, now, due)
		if err != nil {
			if errors.Is(err, schedule.ErrLeaseConflict) {
				e.logger.Debug("lease not acquired", zap.String("scraper", row.Name))
				continue
			}
			e.logger.Error("acquire lease", zap.String("scraper", row.Name), zap.Error(err))
			continue
		}
		e.launch(ctx, leased)
	}
	return nil
}

func (e *Engine) launch(ctx context.Context, leased schedule.Schedule) {
	name := leased.Name
	start := *leased.OwnerStartAt
	processID, err := e.ids.ProcessID()
	if err != nil {
		processID = uuid.NewString()
	}
	runID, err := e.ids.RunID()
	if err != nil {
		runID = uuid.New()
	}
	if e.runs != nil {
		run := store.Run{ID: runID, Scraper: name, StartedAt: start, Status: store.RunRunning}
		if err := e.runs.RecordStart(ctx, run); err != nil {
			e.logger.Warn("record run start", zap.String("scraper", name), zap.Error(err))
		}
	}
	metrics.ObserveLaunch(name)

	proc, err := e.launcher.Launch(ctx, LaunchSpec{
		Scraper:   name,
		ProcessID: processID,
		RunID:     runID.String(),
		Args:      e.cfg.ScraperArgs[name],
	})
	c := &child{name: name, start: start, runID: runID, processID: processID}
	if err != nil {
		e.logger.Error("launch failed", zap.String("scraper", name), zap.Error(err))
		e.finish(ctx, c, Exit{Code: -1, Err: err}, e.clock.Now())
		return
	}
	c.proc = proc
	c.deadline, c.hasDeadline = leased.Deadline()
	e.running[name] = c

	fields := []zap.Field{
		zap.String("scraper", name),
		zap.Int("pid", proc.Pid()),
		zap.String("process_id", processID),
		zap.String("run_id", runID.String()),
	}
	if c.hasDeadline {
		fields = append(fields, zap.Time("deadline", c.deadline))
	}
	e.logger.Info("launched scraper", fields...)
}

func (e *Engine) finish(ctx context.Context, c *child, ex Exit, end time.Time) {
	delete(e.running, c.name)
	o := schedule.Outcome{Start: c.start, End: end, ExitCode: ex.Code, TimedOut: c.timedOut, Killed: c.killed}
	status := runStatus(o)

	if err := e.store.RecordOutcome(ctx, c.name, o, e.cfg.SmoothingAlpha); err != nil {
		e.logger.Error("record outcome", zap.String("scraper", c.name), zap.Error(err))
	}
	if e.runs != nil {
		var msg *string
		if ex.Err != nil {
			s := ex.Err.Error()
			msg = &s
		}
		if err := e.runs.RecordFinish(ctx, c.runID, end, status, ex.Code, msg); err != nil {
			e.logger.Warn("record run finish", zap.String("scraper", c.name), zap.Error(err))
		}
	}
	metrics.ObserveOutcome(c.name, string(status), o.Duration())

	fields := []zap.Field{
		zap.String("scraper", c.name),
		zap.Int("exit_code", ex.Code),
		zap.String("status", string(status)),
		zap.Duration("duration", o.Duration()),
	}
	if c.proc != nil {
		fields = append(fields, zap.Int("pid", c.proc.Pid()))
	}
	if o.Success() {
		e.logger.Info("scraper finished", fields...)
	} else {
		e.logger.Warn("scraper failed", append(fields, zap.NamedError("exit_error", ex.Err))...)
	}
}

func runStatus(o schedule.Outcome) store.RunStatus {
	switch {
	case o.TimedOut:
		return store.RunTimedOut
	case o.Killed:
		return store.RunKilled
	case o.Success():
		return store.RunSuccess
	default:
		return store.RunFailed
	}
}

// Shutdown terminates every child, waits up to KillGrace for each to exit,
// kills stragglers, and records their outcomes.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.draining = true

	now := e.clock.Now()
	pending := e.children()
	for _, c := range pending {
		if c.termSentAt.IsZero() {
			c.killed = true
			e.terminate(c, now, "scheduler shutting down")
		}
	}
	grace := time.NewTimer(e.cfg.KillGrace)
	defer grace.Stop()
	for _, c := range pending {
		var ex Exit
		select {
		case ex = <-c.proc.Done():
		case <-grace.C:
			// The timer has fired; every later child is killed immediately.
			grace.Reset(0)
			if err := c.proc.Kill(); err != nil {
				e.logger.Error("kill child", zap.String("scraper", c.name), zap.Error(err))
			}
			ex = <-c.proc.Done()
		}
		e.finish(ctx, c, ex, e.clock.Now())
	}
	return nil
}

// Running lists in-flight children.
func (e *Engine) Running() []RunningInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RunningInfo, 0, len(e.running))
	for _, c := range e.children() {
		info := RunningInfo{
			Scraper:     c.name,
			PID:         c.proc.Pid(),
			ProcessID:   c.processID,
			RunID:       c.runID.String(),
			StartedAt:   c.start,
			Terminating: !c.termSentAt.IsZero(),
		}
		if c.hasDeadline {
			d := c.deadline
			info.Deadline = &d
		}
		out = append(out, info)
	}
	return out
}
