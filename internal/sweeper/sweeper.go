// Package sweeper expires prompted approval requests whose deadline has
// passed.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MEKXH/signoff/internal/approval"
	"github.com/MEKXH/signoff/internal/metrics"
)

const defaultInterval = 10 * time.Second

// Expirer lists and finalizes overdue requests. approval.Service satisfies it.
type Expirer interface {
	Due(ctx context.Context) ([]approval.State, error)
	Expire(ctx context.Context, id string) (approval.Decision, bool, error)
}

// Reaper drops stale wait handles. rendezvous.Coordinator satisfies it.
type Reaper interface {
	Reap(now time.Time) int
}

// Stage names the step of a record expiry that failed.
type Stage string

const (
	StageExpire   Stage = "expire"
	StageFinalize Stage = "finalize"
)

// RecordError is the failure of one record within a tick.
type RecordError struct {
	ID    string
	Stage Stage
	Err   error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("sweep %s (%s): %v", e.ID, e.Stage, e.Err)
}

func (e RecordError) Unwrap() error { return e.Err }

// Report summarizes one tick.
type Report struct {
	Due      int
	Expired  int
	Reaped   int
	Failures []RecordError
}

// Config controls sweeper runtime behavior.
type Config struct {
	Enabled  bool
	Interval time.Duration
}

// Service runs the expiry loop on a fixed cadence.
type Service struct {
	cfg     Config
	expirer Expirer
	reaper  Reaper
	metrics *metrics.RuntimeMetrics

	now func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
	running bool
}

// New creates a sweeper. reaper and recorder may be nil.
func New(cfg Config, expirer Expirer, reaper Reaper, recorder *metrics.RuntimeMetrics) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Service{
		cfg:     cfg,
		expirer: expirer,
		reaper:  reaper,
		metrics: recorder,
		now:     time.Now,
	}
}

// SetClock overrides the clock passed to the reaper.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// IsRunning returns true when the loop is active.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start launches the loop in the background.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if !s.cfg.Enabled {
		slog.Info("sweeper disabled")
		return nil
	}
	if s.expirer == nil {
		return fmt.Errorf("sweeper: expirer is required")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	s.running = true

	go func(stopped chan struct{}) {
		defer close(stopped)
		s.Run(loopCtx)
	}(s.stopped)
	slog.Info("sweeper started", "interval", s.cfg.Interval.String())
	return nil
}

// Stop cancels the loop and waits for the running tick to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	stopped := s.stopped
	s.running = false
	s.cancel = nil
	s.stopped = nil
	s.mu.Unlock()

	cancel()
	<-stopped
	slog.Info("sweeper stopped")
}

// Run ticks until ctx is done. Tick errors are logged and the cadence kept.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				slog.Warn("sweep failed", "error", err)
			}
		}
	}
}

// RunOnce expires every due record and reaps stale wait handles. Per-record
// failures land in the report; the error covers listing due records only.
func (s *Service) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	due, err := s.expirer.Due(ctx)
	if err != nil {
		s.record(report)
		return report, fmt.Errorf("list due: %w", err)
	}
	report.Due = len(due)

	for _, st := range due {
		if ctx.Err() != nil {
			break
		}
		id := st.Request.ID
		_, expired, err := s.expirer.Expire(ctx, id)
		switch {
		case err != nil && expired:
			report.Expired++
			report.Failures = append(report.Failures, RecordError{ID: id, Stage: StageFinalize, Err: err})
		case err != nil:
			report.Failures = append(report.Failures, RecordError{ID: id, Stage: StageExpire, Err: err})
		case expired:
			report.Expired++
		}
	}

	if s.reaper != nil {
		s.mu.Lock()
		now := s.now()
		s.mu.Unlock()
		report.Reaped = s.reaper.Reap(now)
	}

	for _, f := range report.Failures {
		slog.Error("sweep record failed", "id", f.ID, "stage", f.Stage, "error", f.Err)
	}
	if report.Expired > 0 || len(report.Failures) > 0 {
		slog.Info("sweep finished", "due", report.Due, "expired", report.Expired, "reaped", report.Reaped, "failures", len(report.Failures))
	}
	s.record(report)
	return report, nil
}

func (s *Service) record(r Report) {
	if s.metrics == nil {
		return
	}
	if _, err := s.metrics.RecordSweep(r.Expired, len(r.Failures)); err != nil {
		slog.Warn("record runtime metrics failed", "scope", "sweep", "error", err)
	}
}
