// Package dispatch delivers finalized decisions to the workflow side.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MEKXH/signoff/internal/approval"
	"github.com/MEKXH/signoff/internal/audit"
	"github.com/MEKXH/signoff/internal/bus"
	"github.com/MEKXH/signoff/internal/metrics"
)

const (
	DefaultTimeout = 10 * time.Second
	// DeadLetterType is the event type written for undeliverable decisions.
	DeadLetterType = "dispatch_failed"
)

// DeliveryError reports a decision the receiver did not accept.
// StatusCode is zero for transport failures.
type DeliveryError struct {
	ID         string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("deliver decision %s: status %d", e.ID, e.StatusCode)
	}
	return fmt.Sprintf("deliver decision %s: %v", e.ID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Options configures a Dispatcher.
type Options struct {
	URL         string
	Token       string
	Timeout     time.Duration
	DeadLetters *audit.Writer
	Metrics     *metrics.RuntimeMetrics
	Client      *http.Client
}

// Dispatcher posts each decision once. Failed deliveries are dead-lettered,
// never retried.
type Dispatcher struct {
	url         string
	token       string
	client      *http.Client
	deadLetters *audit.Writer
	metrics     *metrics.RuntimeMetrics
	now         func() time.Time
}

// New creates a dispatcher. An empty URL disables delivery.
func New(opts Options) *Dispatcher {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Dispatcher{
		url:         strings.TrimSpace(opts.URL),
		token:       strings.TrimSpace(opts.Token),
		client:      client,
		deadLetters: opts.DeadLetters,
		metrics:     opts.Metrics,
		now:         time.Now,
	}
}

// Enabled reports whether a receiver URL is configured.
func (d *Dispatcher) Enabled() bool {
	return d.url != ""
}

// Dispatch posts dec as JSON. The returned error is a *DeliveryError for
// any delivery failure.
func (d *Dispatcher) Dispatch(ctx context.Context, dec approval.Decision) error {
	requestID := bus.RequestIDFromContext(ctx)
	if !d.Enabled() {
		slog.Debug("decision dispatch disabled", "request_id", requestID, "id", dec.ID, "decision", dec.Decision)
		return nil
	}

	body, err := json.Marshal(dec)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}

	status, err := d.post(ctx, requestID, body)
	if err == nil && (status < 200 || status >= 300) {
		err = fmt.Errorf("receiver returned status %d", status)
	}
	if err == nil {
		d.record(true)
		slog.Info("decision dispatched", "request_id", requestID, "id", dec.ID, "decision", dec.Decision)
		return nil
	}

	derr := &DeliveryError{ID: dec.ID, StatusCode: status, Err: err}
	d.record(false)
	slog.Error("decision dispatch failed", "request_id", requestID, "id", dec.ID, "decision", dec.Decision, "status", status, "error", err)
	d.deadLetter(requestID, dec.ID, body, derr)
	return derr
}

func (d *Dispatcher) post(ctx context.Context, requestID string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode, nil
}

func (d *Dispatcher) deadLetter(requestID, id string, body []byte, derr *DeliveryError) {
	if d.deadLetters == nil {
		return
	}
	ev := audit.Event{
		Time:       d.now().UTC(),
		Type:       DeadLetterType,
		RequestID:  requestID,
		ApprovalID: id,
		Target:     d.url,
		StatusCode: derr.StatusCode,
		Error:      derr.Err.Error(),
		Payload:    json.RawMessage(body),
	}
	if err := d.deadLetters.Append(ev); err != nil {
		slog.Error("write dead letter failed", "id", id, "path", d.deadLetters.Path(), "error", err)
	}
}

func (d *Dispatcher) record(success bool) {
	if d.metrics == nil {
		return
	}
	if _, err := d.metrics.RecordDispatch(success); err != nil {
		slog.Warn("record runtime metrics failed", "scope", "dispatch", "error", err)
	}
}
