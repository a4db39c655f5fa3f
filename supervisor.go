package multimcp

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Supervisor owns backend lifecycles: it starts each connection, watches
// its health, restarts it with exponential backoff when it degrades, and
// gives up after a bounded number of consecutive failures. It is the only
// component that triggers process spawns; everything else talks to a
// Backend that is already running (or observably not).
type Supervisor struct {
	logger *slog.Logger

	startTimeout time.Duration
	pingTimeout  time.Duration
	pingInterval time.Duration
	maxRestarts  int
	backoffBase  time.Duration
	backoffCap   time.Duration

	// stableAfter is how long a connection must hold Ready before its
	// failure streak resets. Prevents a crash-looping backend from
	// defeating the backoff by starting cleanly each time.
	stableAfter time.Duration

	// onReady is invoked whenever a backend (re)enters Ready, so its
	// capability slice can be (re)aggregated.
	onReady func(ctx context.Context, b Backend)

	// onDown is invoked when a backend leaves Ready, so its capability
	// slice can be withdrawn from the catalog.
	onDown func(ctx context.Context, b Backend)
}

// SupervisorConfig carries the tunables; zero values pick defaults.
type SupervisorConfig struct {
	StartTimeout time.Duration
	PingInterval time.Duration
	MaxRestarts  int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
}

func NewSupervisor(cfg SupervisorConfig, logger *slog.Logger,
	onReady, onDown func(ctx context.Context, b Backend)) *Supervisor {

	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 15 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}

	return &Supervisor{
		logger:       logger,
		startTimeout: cfg.StartTimeout,
		pingTimeout:  cfg.StartTimeout,
		pingInterval: cfg.PingInterval,
		maxRestarts:  cfg.MaxRestarts,
		backoffBase:  cfg.BackoffBase,
		backoffCap:   cfg.BackoffCap,
		stableAfter:  30 * time.Second,
		onReady:      onReady,
		onDown:       onDown,
	}
}

// Supervise runs the start/monitor/restart loop for one backend until the
// context is cancelled, the backend is stopped, or the restart budget is
// exhausted. Each backend gets its own Supervise goroutine so a hung
// backend never stalls the others.
func (s *Supervisor) Supervise(ctx context.Context, b Backend) {
	bo := newRestartBackoff(s.maxRestarts, s.backoffBase, s.backoffCap)

	for ctx.Err() == nil {
		startCtx, cancel := context.WithTimeout(ctx, s.startTimeout)
		err := b.Start(startCtx)
		cancel()

		if err != nil {
			var cfgErr *ConfigError
			if errors.As(err, &cfgErr) {
				// Non-transient: a missing executable will not appear by retrying.
				s.logger.Error("backend rejected", "backend", b.Name(), "error", err)
				b.Stop(context.WithoutCancel(ctx))
				return
			}

			bo.RecordFailure()
			if bo.Exhausted() {
				s.logger.Error("backend given up",
					"backend", b.Name(), "attempts", bo.Failures(), "error", err)
				b.Stop(context.WithoutCancel(ctx))
				return
			}

			delay := bo.Delay()
			s.logger.Warn("backend start failed, retrying",
				"backend", b.Name(), "attempt", bo.Failures(), "delay", delay, "error", err)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		s.logger.Info("backend started", "backend", b.Name())
		readyAt := time.Now()
		s.onReady(ctx, b)

		s.monitor(ctx, b)

		if ctx.Err() != nil || b.State() == StateStopped {
			return
		}

		s.logger.Warn("backend exited ready state",
			"backend", b.Name(), "error", b.LastError())
		s.onDown(ctx, b)

		if time.Since(readyAt) >= s.stableAfter {
			bo.RecordSuccess()
		}
		bo.RecordFailure()
		if bo.Exhausted() {
			s.logger.Error("backend given up",
				"backend", b.Name(), "attempts", bo.Failures(), "error", b.LastError())
			b.Stop(context.WithoutCancel(ctx))
			return
		}

		delay := bo.Delay()
		s.logger.Info("backend restarting", "backend", b.Name(), "delay", delay)
		if !sleep(ctx, delay) {
			return
		}
	}
}

// monitor pings the backend on an interval and returns once the connection
// has left Ready for good. A Degraded connection gets one probe first: if
// the session still answers (e.g. a single call timed out but the process
// is fine), Ping restores it to Ready and its catalog slice is refreshed
// instead of paying for a restart.
func (s *Supervisor) monitor(ctx context.Context, b Backend) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		switch b.State() {
		case StateReady, StateDegraded:
		default:
			return
		}

		wasDegraded := b.State() == StateDegraded

		pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
		err := b.Ping(pingCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.MarkDegraded(err)
			return
		}

		if wasDegraded && b.State() == StateReady {
			s.logger.Info("backend recovered", "backend", b.Name())
			s.onReady(ctx, b)
		}
	}
}

// sleep waits for d unless the context ends first; reports whether the
// full delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
