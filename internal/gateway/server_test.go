package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MEKXH/signoff/internal/approval"
	"github.com/MEKXH/signoff/internal/bus"
	"github.com/MEKXH/signoff/internal/channel"
	"github.com/MEKXH/signoff/internal/metrics"
	"github.com/MEKXH/signoff/internal/rendezvous"
	"github.com/MEKXH/signoff/internal/version"
)

type mockService struct {
	mu        sync.Mutex
	submitted []approval.Request
	result    approval.SubmitResult
	err       error
	states    map[string]approval.State
	activity  []approval.ActivityEntry
	gotLimit  int
	onSubmit  func(req approval.Request)
}

func (m *mockService) Submit(_ context.Context, req approval.Request) (approval.SubmitResult, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, req)
	m.mu.Unlock()
	if m.err != nil {
		return approval.SubmitResult{}, m.err
	}
	if m.onSubmit != nil {
		go m.onSubmit(req)
	}
	res := m.result
	res.ID = req.ID
	return res, nil
}

func (m *mockService) Status(_ context.Context, id string) (approval.State, error) {
	st, ok := m.states[id]
	if !ok {
		return approval.State{}, approval.ErrNotFound
	}
	return st, nil
}

func (m *mockService) RecentActivity(_ context.Context, tenantID string, limit int) ([]approval.ActivityEntry, error) {
	m.gotLimit = limit
	return m.activity, nil
}

type mockReceiver struct {
	ev  channel.WebhookEvent
	err error
}

func (m *mockReceiver) DecodeWebhook(*http.Request) (channel.WebhookEvent, error) {
	return m.ev, m.err
}

type mockReplies struct {
	receivers map[string]channel.WebhookReceiver
	got       *bus.InboundMessage
	result    approval.ReplyResult
	err       error
}

func (m *mockReplies) Receiver(name string) (channel.WebhookReceiver, bool) {
	r, ok := m.receivers[name]
	return r, ok
}

func (m *mockReplies) HandleInbound(_ context.Context, msg *bus.InboundMessage) (approval.ReplyResult, error) {
	m.got = msg
	return m.result, m.err
}

func decodeJSON(t *testing.T, body *bytes.Buffer) map[string]any {
	t.Helper()
	out := map[string]any{}
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	return out
}

func serve(h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

const sampleBody = `{"id":"cr_1","tenant_id":"t_acme","channel_target":"x","source_ref":"1","proposed_text":"hello","context_ref":"https://x.com/s/1"}`

func TestHealthEndpoint(t *testing.T) {
	h := NewHandler(Options{})
	rr := serve(h, http.MethodGet, "/health", "", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := decodeJSON(t, rr.Body)
	if body["status"] != "ok" {
		t.Fatalf("expected status=ok, got %v", body["status"])
	}
	if body["request_id"] == "" {
		t.Fatal("expected non-empty request_id")
	}
}

func TestVersionAndBanner(t *testing.T) {
	h := NewHandler(Options{})
	rr := serve(h, http.MethodGet, "/version", "", nil)
	if body := decodeJSON(t, rr.Body); body["version"] != version.Version {
		t.Fatalf("expected version=%s, got %v", version.Version, body["version"])
	}

	rr = serve(h, http.MethodGet, "/", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected banner 200, got %d", rr.Code)
	}
	if body := decodeJSON(t, rr.Body); body["service"] != version.Name {
		t.Fatalf("unexpected banner %v", body)
	}

	rr = serve(h, http.MethodGet, "/nope", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", rr.Code)
	}
}

func TestSubmit(t *testing.T) {
	svc := &mockService{result: approval.SubmitResult{Status: approval.SubmitPrompted, Channels: []string{"imessage"}}}
	h := NewHandler(Options{Token: "secret", Service: svc})

	rr := serve(h, http.MethodPost, "/approvals", sampleBody, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if len(svc.submitted) != 0 {
		t.Fatal("unauthorized request must not reach the service")
	}

	rr = serve(h, http.MethodPost, "/approvals", sampleBody, map[string]string{
		"Authorization": "Bearer secret",
		"X-Request-ID":  "req-123",
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr.Body)
	if body["status"] != "prompted" || body["id"] != "cr_1" || body["request_id"] != "req-123" {
		t.Fatalf("unexpected body %v", body)
	}

	rr = serve(h, http.MethodPost, "/approvals", "{", map[string]string{"Authorization": "Bearer secret"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rr.Code)
	}
	rr = serve(h, http.MethodGet, "/approvals", "", map[string]string{"Authorization": "Bearer secret"})
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestSubmit_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		want string
	}{
		{"validation", &approval.ValidationError{Field: "proposed_text", Message: "is required"}, http.StatusBadRequest, "validation_error"},
		{"store", fmt.Errorf("%w: connection refused", approval.ErrStoreUnavailable), http.StatusServiceUnavailable, "store_unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(Options{Service: &mockService{err: tt.err}})
			rr := serve(h, http.MethodPost, "/approvals", sampleBody, nil)
			if rr.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, rr.Code)
			}
			if body := decodeJSON(t, rr.Body); body["code"] != tt.want {
				t.Fatalf("expected code %s, got %v", tt.want, body)
			}
		})
	}
}

func TestSubmit_WaitMode(t *testing.T) {
	coord := rendezvous.NewCoordinator(0, nil)
	text := "hello"
	svc := &mockService{
		result: approval.SubmitResult{Status: approval.SubmitPrompted},
		onSubmit: func(req approval.Request) {
			time.Sleep(10 * time.Millisecond)
			coord.Resolve(req.ID, approval.Decision{ID: req.ID, Decision: approval.StatusApproved, FinalText: &text, Decider: "imessage:owner", LatencyMS: 10})
		},
	}
	h := NewHandler(Options{Service: svc, Rendezvous: coord})

	rr := serve(h, http.MethodPost, "/approvals?wait=1", sampleBody, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr.Body)
	if body["decision"] != "approved" || body["final_text"] != "hello" || body["id"] != "cr_1" {
		t.Fatalf("unexpected decision body %v", body)
	}

	svc.onSubmit = nil
	svc.result = approval.SubmitResult{Status: approval.SubmitRateLimited}
	rr = serve(h, http.MethodPost, "/approvals?wait=1", sampleBody, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 when not prompted, got %d", rr.Code)
	}
	if coord.Pending() != 0 {
		t.Fatal("handle should not leak")
	}

	rr = serve(NewHandler(Options{Service: svc}), http.MethodPost, "/approvals?wait=1", sampleBody, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without rendezvous, got %d", rr.Code)
	}
}

func TestSubmit_WaitModeDuplicate(t *testing.T) {
	coord := rendezvous.NewCoordinator(0, nil)
	created := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	decided := created.Add(30 * time.Second)
	svc := &mockService{
		result: approval.SubmitResult{Status: approval.SubmitDuplicate},
		states: map[string]approval.State{
			"cr_1": {
				Request:   approval.Request{ID: "cr_1", ProposedText: "hello"},
				Status:    approval.StatusRejected,
				CreatedAt: created,
				DecidedAt: &decided,
				Decider:   "slack:U1",
			},
		},
	}
	h := NewHandler(Options{Service: svc, Rendezvous: coord})

	rr := serve(h, http.MethodPost, "/approvals?wait=1", sampleBody, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr.Body)
	if body["decision"] != "rejected" || body["decider"] != "slack:U1" || body["final_text"] != nil {
		t.Fatalf("expected the stored decision, got %v", body)
	}

	delete(svc.states, "cr_1")
	rr = serve(h, http.MethodPost, "/approvals?wait=1", sampleBody, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a vanished record, got %d", rr.Code)
	}
	if coord.Pending() != 0 {
		t.Fatal("handle should not leak")
	}
}

func TestStatusEndpoint(t *testing.T) {
	created := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	svc := &mockService{states: map[string]approval.State{
		"cr_1": {Request: approval.Request{ID: "cr_1", DeadlineSeconds: 60}, Status: approval.StatusPrompted, CreatedAt: created},
	}}
	h := NewHandler(Options{Service: svc})

	rr := serve(h, http.MethodGet, "/approvals/cr_1", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeJSON(t, rr.Body)
	if body["status"] != "prompted" || body["due_at"] != "2026-02-15T10:01:00Z" {
		t.Fatalf("unexpected status body %v", body)
	}

	rr = serve(h, http.MethodGet, "/approvals/cr_missing", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestActivityEndpoint(t *testing.T) {
	svc := &mockService{activity: []approval.ActivityEntry{{ID: "cr_2"}, {ID: "cr_1"}}}
	h := NewHandler(Options{Service: svc, ActivityMax: 50})

	rr := serve(h, http.MethodGet, "/activity?tenant_id=t_acme&limit=500", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if svc.gotLimit != 50 {
		t.Fatalf("expected limit clamped to 50, got %d", svc.gotLimit)
	}
	body := decodeJSON(t, rr.Body)
	entries, ok := body["entries"].([]any)
	if !ok || len(entries) != 2 {
		t.Fatalf("unexpected entries %v", body["entries"])
	}

	serve(h, http.MethodGet, "/activity?tenant_id=t_acme", "", nil)
	if svc.gotLimit != defaultActivityLimit {
		t.Fatalf("expected default limit, got %d", svc.gotLimit)
	}

	for _, target := range []string{"/activity", "/activity?tenant_id=t&limit=abc", "/activity?tenant_id=t&limit=0"} {
		if rr := serve(h, http.MethodGet, target, "", nil); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rr.Code)
		}
	}
}

func TestDecisionsEndpoint(t *testing.T) {
	coord := rendezvous.NewCoordinator(0, nil)
	h := NewHandler(Options{Token: "gw", RendezvousToken: "rv", Rendezvous: coord})
	if _, err := coord.Register("cr_1"); err != nil {
		t.Fatal(err)
	}
	payload := `{"id":"cr_1","decision":"rejected","final_text":null,"decider":"whatsapp:+15550001","latency_ms":42}`

	rr := serve(h, http.MethodPost, "/decisions", payload, map[string]string{"Authorization": "Bearer gw"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("gateway token must not authorize decisions, got %d", rr.Code)
	}

	rr = serve(h, http.MethodPost, "/decisions", payload, map[string]string{"Authorization": "Bearer rv"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := decodeJSON(t, rr.Body); body["resolved"] != true {
		t.Fatalf("expected resolved=true, got %v", body)
	}
	d, err := coord.Await(context.Background(), "cr_1", time.Second)
	if err != nil || d.Decision != approval.StatusRejected || d.LatencyMS != 42 {
		t.Fatalf("waiter got %+v, %v", d, err)
	}

	rr = serve(h, http.MethodPost, "/decisions", payload, map[string]string{"Authorization": "Bearer rv"})
	if body := decodeJSON(t, rr.Body); body["resolved"] != false {
		t.Fatalf("second delivery must be a no-op, got %v", body)
	}

	rr = serve(h, http.MethodPost, "/decisions", `{"id":"cr_1","decision":"prompted"}`, map[string]string{"Authorization": "Bearer rv"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-final decision, got %d", rr.Code)
	}
}

func TestWebhookEndpoint(t *testing.T) {
	d := approval.Decision{ID: "cr_1", Decision: approval.StatusApproved}
	replies := &mockReplies{
		receivers: map[string]channel.WebhookReceiver{
			"imessage": &mockReceiver{ev: channel.WebhookEvent{Message: &bus.InboundMessage{Channel: "imessage", SenderID: "owner", Content: "approve cr_1"}}},
			"whatsapp": &mockReceiver{err: fmt.Errorf("%w: mismatch", channel.ErrBadSignature)},
			"slack":    &mockReceiver{ev: channel.WebhookEvent{Challenge: "abc123"}},
			"telegram": &mockReceiver{err: errors.New("invalid update")},
		},
		result: approval.ReplyResult{Status: approval.ReplyProcessed, ID: "cr_1", Decision: &d},
	}
	h := NewHandler(Options{Replies: replies})

	rr := serve(h, http.MethodPost, "/webhooks/imessage", `{}`, map[string]string{"X-Request-ID": "req-9"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeJSON(t, rr.Body)
	if body["status"] != "processed" || body["id"] != "cr_1" || body["request_id"] != "req-9" {
		t.Fatalf("unexpected webhook body %v", body)
	}
	if replies.got == nil || replies.got.RequestID != "req-9" {
		t.Fatalf("expected request id on inbound message, got %+v", replies.got)
	}

	if rr := serve(h, http.MethodPost, "/webhooks/whatsapp", ``, nil); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for bad signature, got %d", rr.Code)
	}
	rr = serve(h, http.MethodPost, "/webhooks/slack", `{}`, nil)
	if body := decodeJSON(t, rr.Body); body["challenge"] != "abc123" {
		t.Fatalf("expected challenge echo, got %v", body)
	}
	if rr := serve(h, http.MethodPost, "/webhooks/telegram", `{}`, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for undecodable payload, got %d", rr.Code)
	}
	if rr := serve(h, http.MethodPost, "/webhooks/discord", `{}`, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown channel, got %d", rr.Code)
	}
}

func TestWebhookEndpoint_IgnoredText(t *testing.T) {
	replies := &mockReplies{
		receivers: map[string]channel.WebhookReceiver{
			"imessage": &mockReceiver{ev: channel.WebhookEvent{Message: &bus.InboundMessage{Channel: "imessage", Content: "thanks!"}}},
		},
		result: approval.ReplyResult{Status: approval.ReplyIgnored, Reason: "invalid command format"},
	}
	rr := serve(NewHandler(Options{Replies: replies}), http.MethodPost, "/webhooks/imessage", `{}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("unrecognized text should still return 200, got %d", rr.Code)
	}
	if body := decodeJSON(t, rr.Body); body["status"] != "ignored" {
		t.Fatalf("expected ignored, got %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	recorder := metrics.NewRuntimeMetrics("")
	if _, err := recorder.RecordDispatch(false); err != nil {
		t.Fatal(err)
	}
	rr := serve(NewHandler(Options{Metrics: recorder}), http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snap metrics.RuntimeSnapshot
	if err := json.NewDecoder(rr.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Dispatch.Attempts != 1 || snap.Dispatch.Failures != 1 {
		t.Fatalf("unexpected dispatch stats %+v", snap.Dispatch)
	}
}
