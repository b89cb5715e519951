package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const runtimeMetricsFileName = "runtime_metrics.json"

var latencyBucketUpperBoundsMs = []int64{
	1000, 5000, 15000, 30000, 60000, 120000, 300000, 600000, 900000, 1800000, 3600000,
}

// RuntimeSnapshot contains aggregated counters for prompts, decisions,
// dispatch, sweeps and rendezvous waits.
type RuntimeSnapshot struct {
	UpdatedAt  time.Time       `json:"updated_at"`
	Prompts    PromptStats     `json:"prompts"`
	Decisions  DecisionStats   `json:"decisions"`
	Dispatch   DispatchStats   `json:"dispatch"`
	Sweeps     SweepStats      `json:"sweeps"`
	Rendezvous RendezvousStats `json:"rendezvous"`
}

// PromptStats tracks submissions and the channel sends they caused.
type PromptStats struct {
	Submitted    int64 `json:"submitted"`
	Prompted     int64 `json:"prompted"`
	Duplicates   int64 `json:"duplicates"`
	RateLimited  int64 `json:"rate_limited"`
	SendAttempts int64 `json:"send_attempts"`
	SendFailures int64 `json:"send_failures"`
}

// SendFailureRatio returns failures/attempts in [0,1].
func (p PromptStats) SendFailureRatio() float64 {
	if p.SendAttempts <= 0 {
		return 0
	}
	return float64(p.SendFailures) / float64(p.SendAttempts)
}

// DecisionStats tracks finalized requests and the human (or timeout) latency.
type DecisionStats struct {
	Total             int64 `json:"total"`
	Approved          int64 `json:"approved"`
	Edited            int64 `json:"edited"`
	Rejected          int64 `json:"rejected"`
	Expired           int64 `json:"expired"`
	TotalLatencyMs    int64 `json:"total_latency_ms"`
	MaxLatencyMs      int64 `json:"max_latency_ms"`
	LastLatencyMs     int64 `json:"last_latency_ms"`
	P95ProxyLatencyMs int64 `json:"p95_proxy_latency_ms"`
}

// ExpiredRatio returns expired/total in [0,1].
func (d DecisionStats) ExpiredRatio() float64 {
	if d.Total <= 0 {
		return 0
	}
	return float64(d.Expired) / float64(d.Total)
}

// AvgLatencyMs returns average latency in milliseconds.
func (d DecisionStats) AvgLatencyMs() float64 {
	if d.Total <= 0 {
		return 0
	}
	return float64(d.TotalLatencyMs) / float64(d.Total)
}

// DispatchStats tracks downstream decision deliveries.
type DispatchStats struct {
	Attempts int64 `json:"attempts"`
	Failures int64 `json:"failures"`
}

// FailureRatio returns failures/attempts in [0,1].
func (d DispatchStats) FailureRatio() float64 {
	if d.Attempts <= 0 {
		return 0
	}
	return float64(d.Failures) / float64(d.Attempts)
}

// SweepStats tracks expiry sweeper ticks.
type SweepStats struct {
	Runs     int64 `json:"runs"`
	Expired  int64 `json:"expired"`
	Failures int64 `json:"failures"`
}

// RendezvousStats tracks workflow wait handles.
type RendezvousStats struct {
	Registered    int64 `json:"registered"`
	Resolved      int64 `json:"resolved"`
	TimedOut      int64 `json:"timed_out"`
	Cancelled     int64 `json:"cancelled"`
	Reaped        int64 `json:"reaped"`
	LateDecisions int64 `json:"late_decisions"`
}

// RendezvousEvent names one wait-handle lifecycle event.
type RendezvousEvent string

const (
	RendezvousRegistered RendezvousEvent = "registered"
	RendezvousResolved   RendezvousEvent = "resolved"
	RendezvousTimedOut   RendezvousEvent = "timed_out"
	RendezvousCancelled  RendezvousEvent = "cancelled"
	RendezvousReaped     RendezvousEvent = "reaped"
	RendezvousLate       RendezvousEvent = "late"
)

// HasData reports whether any runtime metrics were recorded.
func (s RuntimeSnapshot) HasData() bool {
	return s.Prompts.Submitted > 0 || s.Decisions.Total > 0 || s.Dispatch.Attempts > 0 ||
		s.Sweeps.Runs > 0 || s.Rendezvous.Registered > 0
}

// RuntimeMetrics records and persists runtime metrics. A nil recorder is a
// valid no-op.
type RuntimeMetrics struct {
	path string

	mu      sync.Mutex
	snap    RuntimeSnapshot
	buckets []int64
}

// NewRuntimeMetrics creates a recorder persisting to <stateDir>/runtime_metrics.json.
// An empty stateDir keeps metrics in memory only.
func NewRuntimeMetrics(stateDir string) *RuntimeMetrics {
	return &RuntimeMetrics{
		path:    runtimeMetricsPath(stateDir),
		buckets: make([]int64, len(latencyBucketUpperBoundsMs)+1),
	}
}

// Snapshot returns the latest in-memory snapshot.
func (m *RuntimeMetrics) Snapshot() RuntimeSnapshot {
	if m == nil {
		return RuntimeSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// RecordSubmit counts one submission by its outcome (prompted, duplicate, rate_limited).
func (m *RuntimeMetrics) RecordSubmit(outcome string) (RuntimeSnapshot, error) {
	return m.update(func(s *RuntimeSnapshot) {
		s.Prompts.Submitted++
		switch outcome {
		case "prompted":
			s.Prompts.Prompted++
		case "duplicate":
			s.Prompts.Duplicates++
		case "rate_limited":
			s.Prompts.RateLimited++
		}
	})
}

// RecordPromptSend counts one channel prompt delivery.
func (m *RuntimeMetrics) RecordPromptSend(success bool) (RuntimeSnapshot, error) {
	return m.update(func(s *RuntimeSnapshot) {
		s.Prompts.SendAttempts++
		if !success {
			s.Prompts.SendFailures++
		}
	})
}

// RecordDecision counts one finalized request and its latency.
func (m *RuntimeMetrics) RecordDecision(outcome string, latency time.Duration) (RuntimeSnapshot, error) {
	latencyMs := latency.Milliseconds()
	if latencyMs < 0 {
		latencyMs = 0
	}
	return m.update(func(s *RuntimeSnapshot) {
		s.Decisions.Total++
		switch outcome {
		case "approved":
			s.Decisions.Approved++
		case "edited":
			s.Decisions.Edited++
		case "rejected":
			s.Decisions.Rejected++
		case "expired":
			s.Decisions.Expired++
		}
		s.Decisions.TotalLatencyMs += latencyMs
		s.Decisions.LastLatencyMs = latencyMs
		if latencyMs > s.Decisions.MaxLatencyMs {
			s.Decisions.MaxLatencyMs = latencyMs
		}
		m.buckets[latencyBucketIndex(latencyMs)]++
		s.Decisions.P95ProxyLatencyMs = p95ProxyFromBuckets(m.buckets, s.Decisions.Total)
	})
}

// RecordDispatch counts one downstream delivery attempt.
func (m *RuntimeMetrics) RecordDispatch(success bool) (RuntimeSnapshot, error) {
	return m.update(func(s *RuntimeSnapshot) {
		s.Dispatch.Attempts++
		if !success {
			s.Dispatch.Failures++
		}
	})
}

// RecordSweep counts one sweeper tick.
func (m *RuntimeMetrics) RecordSweep(expired, failures int) (RuntimeSnapshot, error) {
	return m.update(func(s *RuntimeSnapshot) {
		s.Sweeps.Runs++
		s.Sweeps.Expired += int64(expired)
		s.Sweeps.Failures += int64(failures)
	})
}

// RecordRendezvous counts one wait-handle event.
func (m *RuntimeMetrics) RecordRendezvous(event RendezvousEvent) (RuntimeSnapshot, error) {
	return m.update(func(s *RuntimeSnapshot) {
		switch event {
		case RendezvousRegistered:
			s.Rendezvous.Registered++
		case RendezvousResolved:
			s.Rendezvous.Resolved++
		case RendezvousTimedOut:
			s.Rendezvous.TimedOut++
		case RendezvousCancelled:
			s.Rendezvous.Cancelled++
		case RendezvousReaped:
			s.Rendezvous.Reaped++
		case RendezvousLate:
			s.Rendezvous.LateDecisions++
		}
	})
}

func (m *RuntimeMetrics) update(apply func(*RuntimeSnapshot)) (RuntimeSnapshot, error) {
	if m == nil {
		return RuntimeSnapshot{}, nil
	}

	m.mu.Lock()
	m.snap.UpdatedAt = time.Now().UTC()
	apply(&m.snap)
	snapshot := m.snap
	m.mu.Unlock()

	return snapshot, persistRuntimeSnapshot(m.path, snapshot)
}

// ReadRuntimeSnapshot reads the persisted snapshot from stateDir.
// If no file exists yet, it returns a zero-value snapshot and nil error.
func ReadRuntimeSnapshot(stateDir string) (RuntimeSnapshot, error) {
	path := runtimeMetricsPath(stateDir)
	if path == "" {
		return RuntimeSnapshot{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeSnapshot{}, nil
		}
		return RuntimeSnapshot{}, fmt.Errorf("read runtime metrics: %w", err)
	}

	var snap RuntimeSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return RuntimeSnapshot{}, fmt.Errorf("decode runtime metrics: %w", err)
	}
	return snap, nil
}

func runtimeMetricsPath(stateDir string) string {
	if strings.TrimSpace(stateDir) == "" {
		return ""
	}
	return filepath.Join(stateDir, runtimeMetricsFileName)
}

func persistRuntimeSnapshot(path string, snapshot RuntimeSnapshot) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create runtime metrics dir: %w", err)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode runtime metrics: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, payload, 0o644); err != nil {
		return fmt.Errorf("write runtime metrics temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename runtime metrics file: %w", err)
	}
	return nil
}

func latencyBucketIndex(latencyMs int64) int {
	for i, upper := range latencyBucketUpperBoundsMs {
		if latencyMs <= upper {
			return i
		}
	}
	return len(latencyBucketUpperBoundsMs)
}

func p95ProxyFromBuckets(buckets []int64, total int64) int64 {
	if total <= 0 {
		return 0
	}
	target := int64(float64(total) * 0.95)
	if target <= 0 {
		target = 1
	}

	var cumulative int64
	for i, count := range buckets {
		cumulative += count
		if cumulative < target {
			continue
		}
		if i >= len(latencyBucketUpperBoundsMs) {
			return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
		}
		return latencyBucketUpperBoundsMs[i]
	}
	return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
}
