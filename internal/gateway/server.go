package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MEKXH/signoff/internal/approval"
	"github.com/MEKXH/signoff/internal/bus"
	"github.com/MEKXH/signoff/internal/channel"
	"github.com/MEKXH/signoff/internal/config"
	"github.com/MEKXH/signoff/internal/metrics"
	"github.com/MEKXH/signoff/internal/rendezvous"
	"github.com/MEKXH/signoff/internal/version"
	"github.com/google/uuid"
)

const (
	defaultActivityLimit = 20
	maxRequestBody       = 1 << 20
)

// ApprovalService is the part of approval.Service the gateway exposes.
type ApprovalService interface {
	Submit(ctx context.Context, req approval.Request) (approval.SubmitResult, error)
	Status(ctx context.Context, id string) (approval.State, error)
	RecentActivity(ctx context.Context, tenantID string, limit int) ([]approval.ActivityEntry, error)
}

// ReplyRouter decodes channel webhooks and applies the replies they carry.
type ReplyRouter interface {
	Receiver(name string) (channel.WebhookReceiver, bool)
	HandleInbound(ctx context.Context, msg *bus.InboundMessage) (approval.ReplyResult, error)
}

// Rendezvous lets HTTP callers wait on decisions and feeds dispatched
// decisions back to in-process waiters.
type Rendezvous interface {
	Gate(ctx context.Context, s rendezvous.Submitter, req approval.Request) (approval.Decision, error)
	Resolve(id string, d approval.Decision) bool
}

// Options wires the handler to the engine.
type Options struct {
	Token           string
	RendezvousToken string
	Service         ApprovalService
	Replies         ReplyRouter
	Rendezvous      Rendezvous
	Metrics         *metrics.RuntimeMetrics
	ActivityMax     int
}

type Server struct {
	cfg        config.GatewayConfig
	opts       Options
	httpServer *http.Server
}

func New(cfg config.GatewayConfig, opts Options) *Server {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Port
	if port <= 0 {
		port = 8080
	}

	cfg.Host = host
	cfg.Port = port
	if opts.Token == "" {
		opts.Token = cfg.Token
	}
	return &Server{
		cfg:  cfg,
		opts: opts,
	}
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Handler returns the routes served by Start.
func (s *Server) Handler() http.Handler {
	return NewHandler(s.opts)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type handler struct {
	opts Options
}

func NewHandler(opts Options) http.Handler {
	if opts.ActivityMax <= 0 {
		opts.ActivityMax = approval.DefaultActivityQueryMax
	}
	h := &handler{opts: opts}

	mux := http.NewServeMux()
	mux.HandleFunc("/", h.banner)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		requestID := getRequestID(r)
		if r.Method != http.MethodGet {
			writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"request_id": requestID,
		})
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		requestID := getRequestID(r)
		if r.Method != http.MethodGet {
			writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"version":    version.Version,
			"request_id": requestID,
		})
	})
	mux.HandleFunc("/metrics", h.metrics)
	mux.HandleFunc("/approvals", h.submit)
	mux.HandleFunc("/approvals/", h.status)
	mux.HandleFunc("/activity", h.activity)
	mux.HandleFunc("/decisions", h.decisions)
	mux.HandleFunc("/webhooks/", h.webhook)
	return mux
}

func (h *handler) banner(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if r.URL.Path != "/" {
		writeError(w, requestID, http.StatusNotFound, "not_found", "no route for "+r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":    version.Name,
		"message":    "approval gateway is running",
		"version":    version.Version,
		"request_id": requestID,
	})
}

func (h *handler) metrics(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if r.Method != http.MethodGet {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if !h.authorized(w, r, requestID, h.opts.Token) {
		return
	}
	if h.opts.Metrics == nil {
		writeJSON(w, http.StatusOK, metrics.RuntimeSnapshot{})
		return
	}
	writeJSON(w, http.StatusOK, h.opts.Metrics.Snapshot())
}

type submitResponse struct {
	approval.SubmitResult
	RequestID string `json:"request_id"`
}

type decisionResponse struct {
	approval.Decision
	RequestID string `json:"request_id"`
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if r.Method != http.MethodPost {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if !h.authorized(w, r, requestID, h.opts.Token) {
		return
	}
	if h.opts.Service == nil {
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "approval service is not configured")
		return
	}

	var req approval.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid json request")
		return
	}
	ctx := bus.WithRequestID(r.Context(), requestID)

	if wait := r.URL.Query().Get("wait"); wait == "1" || wait == "true" {
		h.submitAndWait(ctx, w, requestID, req)
		return
	}

	res, err := h.opts.Service.Submit(ctx, req)
	if err != nil {
		h.writeSubmitError(w, requestID, req.ID, err)
		return
	}
	slog.Info("approval request accepted", "request_id", requestID, "id", res.ID, "status", res.Status, "channels", res.Channels)
	writeJSON(w, http.StatusAccepted, submitResponse{SubmitResult: res, RequestID: requestID})
}

func (h *handler) submitAndWait(ctx context.Context, w http.ResponseWriter, requestID string, req approval.Request) {
	if h.opts.Rendezvous == nil {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "wait mode is not enabled")
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, requestID, http.StatusBadRequest, "validation_error", "id: is required")
		return
	}
	d, err := h.opts.Rendezvous.Gate(ctx, h.opts.Service, req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, decisionResponse{Decision: d, RequestID: requestID})
	case errors.Is(err, rendezvous.ErrAlreadyRegistered):
		writeError(w, requestID, http.StatusConflict, "conflict", "a caller is already waiting on "+req.ID)
	case errors.Is(err, rendezvous.ErrNotPrompted):
		writeError(w, requestID, http.StatusConflict, "not_prompted", "no approver channel admitted the request")
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, requestID, http.StatusNotFound, "not_found", "approval "+req.ID+" not found")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		slog.Info("approval wait abandoned", "request_id", requestID, "id", req.ID, "error", err)
	default:
		h.writeSubmitError(w, requestID, req.ID, err)
	}
}

func (h *handler) writeSubmitError(w http.ResponseWriter, requestID, id string, err error) {
	var verr *approval.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, requestID, http.StatusBadRequest, "validation_error", verr.Error())
	default:
		slog.Error("approval submit failed", "request_id", requestID, "id", id, "error", err)
		writeError(w, requestID, http.StatusServiceUnavailable, "store_unavailable", "approval store is unavailable")
	}
}

type stateResponse struct {
	approval.State
	DueAt     time.Time `json:"due_at"`
	RequestID string    `json:"request_id"`
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if r.Method != http.MethodGet {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if !h.authorized(w, r, requestID, h.opts.Token) {
		return
	}
	id := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/approvals/"))
	if id == "" || strings.Contains(id, "/") {
		writeError(w, requestID, http.StatusNotFound, "not_found", "approval id is required")
		return
	}
	if h.opts.Service == nil {
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "approval service is not configured")
		return
	}

	st, err := h.opts.Service.Status(r.Context(), id)
	if errors.Is(err, approval.ErrNotFound) {
		writeError(w, requestID, http.StatusNotFound, "not_found", "approval "+id+" not found")
		return
	}
	if err != nil {
		slog.Error("approval status failed", "request_id", requestID, "id", id, "error", err)
		writeError(w, requestID, http.StatusServiceUnavailable, "store_unavailable", "approval store is unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{State: st, DueAt: st.DueAt(), RequestID: requestID})
}

func (h *handler) activity(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if r.Method != http.MethodGet {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if !h.authorized(w, r, requestID, h.opts.Token) {
		return
	}
	if h.opts.Service == nil {
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "approval service is not configured")
		return
	}

	q := r.URL.Query()
	tenantID := strings.TrimSpace(q.Get("tenant_id"))
	if tenantID == "" {
		writeError(w, requestID, http.StatusBadRequest, "validation_error", "tenant_id is required")
		return
	}
	limit := defaultActivityLimit
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, requestID, http.StatusBadRequest, "validation_error", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > h.opts.ActivityMax {
		limit = h.opts.ActivityMax
	}

	entries, err := h.opts.Service.RecentActivity(r.Context(), tenantID, limit)
	if err != nil {
		slog.Error("activity query failed", "request_id", requestID, "tenant_id", tenantID, "error", err)
		writeError(w, requestID, http.StatusServiceUnavailable, "store_unavailable", "approval store is unavailable")
		return
	}
	if entries == nil {
		entries = []approval.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":  tenantID,
		"limit":      limit,
		"entries":    entries,
		"request_id": requestID,
	})
}

func (h *handler) decisions(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if r.Method != http.MethodPost {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if !h.authorized(w, r, requestID, h.opts.RendezvousToken) {
		return
	}
	if h.opts.Rendezvous == nil {
		writeError(w, requestID, http.StatusNotFound, "not_found", "rendezvous is not enabled")
		return
	}

	var d approval.Decision
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&d); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid json request")
		return
	}
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		writeError(w, requestID, http.StatusBadRequest, "validation_error", "id is required")
		return
	}
	if !d.Decision.IsTerminal() {
		writeError(w, requestID, http.StatusBadRequest, "validation_error", fmt.Sprintf("decision %q is not final", d.Decision))
		return
	}

	resolved := h.opts.Rendezvous.Resolve(d.ID, d)
	slog.Info("decision received", "request_id", requestID, "id", d.ID, "decision", d.Decision, "resolved", resolved)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         d.ID,
		"resolved":   resolved,
		"request_id": requestID,
	})
}

type webhookResponse struct {
	approval.ReplyResult
	RequestID string `json:"request_id"`
}

func (h *handler) webhook(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if r.Method != http.MethodPost {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/webhooks/"), "/")
	if h.opts.Replies == nil {
		writeError(w, requestID, http.StatusNotFound, "not_found", "no channels are configured")
		return
	}
	rcv, ok := h.opts.Replies.Receiver(name)
	if !ok {
		writeError(w, requestID, http.StatusNotFound, "not_found", "unknown channel "+name)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	ev, err := rcv.DecodeWebhook(r)
	if errors.Is(err, channel.ErrBadSignature) {
		slog.Warn("webhook signature rejected", "request_id", requestID, "channel", name, "error", err)
		writeError(w, requestID, http.StatusForbidden, "forbidden", "invalid webhook signature")
		return
	}
	if err != nil {
		slog.Warn("webhook decode failed", "request_id", requestID, "channel", name, "error", err)
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid webhook payload")
		return
	}
	if ev.Challenge != "" {
		writeJSON(w, http.StatusOK, map[string]any{"challenge": ev.Challenge})
		return
	}
	if ev.Message == nil {
		writeJSON(w, http.StatusOK, webhookResponse{
			ReplyResult: approval.ReplyResult{Status: approval.ReplyIgnored, Reason: "no message"},
			RequestID:   requestID,
		})
		return
	}
	if ev.Message.RequestID == "" {
		ev.Message.RequestID = requestID
	}

	res, err := h.opts.Replies.HandleInbound(bus.WithRequestID(r.Context(), requestID), ev.Message)
	if err != nil {
		slog.Error("webhook reply failed", "request_id", requestID, "channel", name, "error", err)
		writeError(w, requestID, http.StatusServiceUnavailable, "store_unavailable", "failed to apply reply")
		return
	}
	slog.Info("webhook reply handled", "request_id", requestID, "channel", name, "status", res.Status, "id", res.ID)
	writeJSON(w, http.StatusOK, webhookResponse{ReplyResult: res, RequestID: requestID})
}

// authorized writes 401 and returns false when expected is set and the
// request does not carry it.
func (h *handler) authorized(w http.ResponseWriter, r *http.Request, requestID, expected string) bool {
	if strings.TrimSpace(expected) == "" || isAuthorized(r, expected) {
		return true
	}
	writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
	return false
}

func isAuthorized(r *http.Request, expected string) bool {
	got := strings.TrimSpace(r.Header.Get("Authorization"))
	if got == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(got, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(got, prefix))
	return token == strings.TrimSpace(expected)
}

func getRequestID(r *http.Request) string {
	rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if rid != "" {
		return rid
	}
	return uuid.NewString()
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":       code,
		"message":    message,
		"request_id": requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
