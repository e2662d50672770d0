// Package admin exposes the operational HTTP surface: health, Prometheus
// metrics, stats snapshots, manual enqueue and the outcome journal.
package admin

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/webqx/vitalq/internal/batch"
	"github.com/webqx/vitalq/internal/httpheader"
	"github.com/webqx/vitalq/internal/journal"
	"github.com/webqx/vitalq/internal/load"
	"github.com/webqx/vitalq/internal/priority"
	"github.com/webqx/vitalq/internal/queue"
	"github.com/webqx/vitalq/internal/timeout"
)

const (
	defaultListLimit    = 100
	maxListLimit        = 1000
	defaultMaxBodyBytes = 2 << 20 // 2 MiB

	codeUnauthorized     = "unauthorized"
	codeMethodNotAllowed = "method_not_allowed"
	codeInvalidQuery     = "invalid_query"
	codeInvalidBody      = "invalid_body"
	codeInvalidPriority  = "invalid_priority"
	codeInvalidHeaders   = "invalid_headers"
	codeMissingPayload   = "missing_payload"
	codeQueueFull        = "queue_full"
	codeNotFound         = "not_found"
	codeJournalFailed    = "journal_unavailable"
)

type Authorizer func(r *http.Request) bool

// BearerTokenAuthorizer accepts requests carrying any of the given bearer
// tokens. An empty token set authorizes everything.
func BearerTokenAuthorizer(tokens [][]byte) Authorizer {
	allowed := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		if len(t) == 0 {
			continue
		}
		cp := make([]byte, len(t))
		copy(cp, t)
		allowed = append(allowed, cp)
	}

	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}

		h := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return false
		}
		got := strings.TrimSpace(strings.TrimPrefix(h, prefix))
		if got == "" {
			return false
		}
		gb := []byte(got)
		for _, want := range allowed {
			if subtle.ConstantTimeCompare(gb, want) == 1 {
				return true
			}
		}
		return false
	}
}

// Server serves the admin API. Nil collaborators degrade the related
// surface instead of panicking: stats sections go missing, enqueue returns
// 503.
type Server struct {
	Queue    *queue.Queue
	Load     *load.Monitor
	Batches  *batch.Manager
	Timeouts *timeout.Manager
	Journal  journal.Store

	Authorize    Authorizer
	Version      string
	StartTime    time.Time
	MaxBodyBytes int64

	// Defer parks an item for batched admission instead of enqueueing it
	// directly. Wired by the app when batch feeders are configured.
	Defer func(payload []byte, priority int, metadata map[string]string) error
}

func NewServer(q *queue.Queue) *Server {
	return &Server{
		Queue:        q,
		Version:      "dev",
		StartTime:    time.Now(),
		MaxBodyBytes: defaultMaxBodyBytes,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Authorize != nil && !s.Authorize(r) {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "request is not authorized")
		return
	}

	switch path.Clean(r.URL.Path) {
	case "/healthz":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleHealthz(w, r)
	case "/metrics":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleMetrics(w, r)
	case "/v1/stats":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleStats(w, r)
	case "/v1/enqueue":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		s.handleEnqueue(w, r)
	case "/v1/outcomes":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleOutcomes(w, r)
	default:
		writeError(w, http.StatusNotFound, codeNotFound, "unknown path")
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	detailsRaw := strings.TrimSpace(r.URL.Query().Get("details"))
	details, ok := parseBoolParam(detailsRaw)
	if !ok {
		writeError(w, http.StatusBadRequest, codeInvalidQuery, "details must be true|false")
		return
	}
	if !details {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
		return
	}

	diagnostics := map[string]any{}
	if s.Queue != nil {
		m := s.Queue.Metrics()
		diagnostics["queue"] = map[string]any{
			"pending":            m.PendingItems,
			"processing":         m.ProcessingItems,
			"completed_total":    m.CompletedTotal,
			"requeued_total":     m.RequeuedTotal,
			"permanently_failed": m.PermanentlyFailed,
			"expired_total":      m.ExpiredTotal,
		}
	}
	if s.Load != nil {
		diagnostics["load"] = map[string]any{
			"composite": s.Load.CurrentLoad(),
			"degraded":  s.Load.Degraded(),
			"failures":  s.Load.FailuresTotal(),
		}
	}
	if s.Batches != nil {
		diagnostics["batch_degraded"] = s.Batches.Stats().Degraded
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok":          true,
		"time":        time.Now().UTC().Format(time.RFC3339Nano),
		"diagnostics": diagnostics,
	})
}

type statsResponse struct {
	Queue    *queueStats             `json:"queue,omitempty"`
	Load     *loadStats              `json:"load,omitempty"`
	Batches  *batch.Stats            `json:"batches,omitempty"`
	Timeouts []timeout.EndpointStats `json:"timeouts,omitempty"`
	Journal  map[string]int64        `json:"journal,omitempty"`
}

type queueStats struct {
	Pending           int            `json:"pending"`
	Processing        int            `json:"processing"`
	CompletedTotal    int64          `json:"completed_total"`
	RequeuedTotal     int64          `json:"requeued_total"`
	PermanentlyFailed int64          `json:"permanently_failed"`
	ExpiredTotal      int64          `json:"expired_total"`
	AverageWaitMS     int64          `json:"average_wait_ms"`
	AverageProcessMS  int64          `json:"average_processing_ms"`
	DepthByPriority   map[string]int `json:"depth_by_priority"`
}

type loadStats struct {
	Composite     float64   `json:"composite"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	LoadAverage   float64   `json:"load_average"`
	CapturedAt    time.Time `json:"captured_at"`
	Degraded      bool      `json:"degraded"`
	Failures      int64     `json:"failures_total"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{}

	if s.Queue != nil {
		m := s.Queue.Metrics()
		qs := &queueStats{
			Pending:           m.PendingItems,
			Processing:        m.ProcessingItems,
			CompletedTotal:    m.CompletedTotal,
			RequeuedTotal:     m.RequeuedTotal,
			PermanentlyFailed: m.PermanentlyFailed,
			ExpiredTotal:      m.ExpiredTotal,
			AverageWaitMS:     m.AverageWait.Milliseconds(),
			AverageProcessMS:  m.AverageProcessing.Milliseconds(),
			DepthByPriority:   make(map[string]int, len(m.LengthByPriority)),
		}
		for weight, n := range m.LengthByPriority {
			qs.DepthByPriority[priorityKey(weight)] = n
		}
		resp.Queue = qs
	}
	if s.Load != nil {
		ls := &loadStats{
			Composite: s.Load.CurrentLoad(),
			Degraded:  s.Load.Degraded(),
			Failures:  s.Load.FailuresTotal(),
		}
		if sample, ok := s.Load.CurrentSample(); ok {
			ls.CPUPercent = sample.CPUPercent
			ls.MemoryPercent = sample.MemoryPercent
			ls.LoadAverage = sample.LoadAverage
			ls.CapturedAt = sample.CapturedAt
		}
		resp.Load = ls
	}
	if s.Batches != nil {
		st := s.Batches.Stats()
		resp.Batches = &st
	}
	if s.Timeouts != nil {
		resp.Timeouts = s.Timeouts.AllStats()
	}
	if s.Journal != nil {
		if counts, err := s.Journal.OutcomeCounts(); err == nil {
			resp.Journal = make(map[string]int64, len(counts))
			for outcome, n := range counts {
				resp.Journal[string(outcome)] = n
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type enqueueRequest struct {
	Payload       string            `json:"payload"`
	PayloadBase64 string            `json:"payload_b64"`
	Priority      *int              `json:"priority"`
	PriorityLabel string            `json:"priority_label"`
	Metadata      map[string]string `json:"metadata"`
	Headers       map[string]string `json:"headers"`
	ExpiresAt     string            `json:"expires_at"`
	Deferred      bool              `json:"deferred"`
}

type enqueueResponse struct {
	ID       string `json:"id,omitempty"`
	Priority int    `json:"priority"`
	Deferred bool   `json:"deferred,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, codeQueueFull, "queue is not available")
		return
	}

	maxBody := s.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	var req enqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidBody, "body must be a single JSON object: "+err.Error())
		return
	}

	payload, code, detail := decodePayload(req)
	if code != "" {
		writeError(w, http.StatusBadRequest, code, detail)
		return
	}

	weight, err := resolvePriority(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidPriority, err.Error())
		return
	}

	var expiresAt time.Time
	if raw := strings.TrimSpace(req.ExpiresAt); raw != "" {
		expiresAt, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidBody, "expires_at must be RFC 3339")
			return
		}
	}

	if err := httpheader.ValidateMap(req.Headers); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidHeaders, err.Error())
		return
	}
	metadata := httpheader.ToMetadata(req.Metadata, req.Headers)

	if req.Deferred {
		if !expiresAt.IsZero() {
			writeError(w, http.StatusBadRequest, codeInvalidBody, "expires_at is not supported with deferred admission")
			return
		}
		if s.Defer == nil {
			writeError(w, http.StatusServiceUnavailable, codeInvalidBody, "deferred admission is not configured")
			return
		}
		if err := s.Defer(payload, weight, metadata); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidBody, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(enqueueResponse{Priority: weight, Deferred: true})
		return
	}

	id, err := s.Queue.EnqueueWithDeadline(payload, weight, metadata, expiresAt)
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, codeQueueFull, "queue is at capacity")
		return
	case errors.Is(err, queue.ErrInvalidPriority):
		writeError(w, http.StatusBadRequest, codeInvalidPriority, err.Error())
		return
	case errors.Is(err, queue.ErrMissingPayload):
		writeError(w, http.StatusBadRequest, codeMissingPayload, err.Error())
		return
	default:
		writeError(w, http.StatusInternalServerError, codeInvalidBody, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(enqueueResponse{ID: id, Priority: weight})
}

func decodePayload(req enqueueRequest) (payload []byte, code, detail string) {
	switch {
	case req.PayloadBase64 != "" && req.Payload != "":
		return nil, codeInvalidBody, "payload and payload_b64 are mutually exclusive"
	case req.PayloadBase64 != "":
		decoded, err := base64.StdEncoding.DecodeString(req.PayloadBase64)
		if err != nil {
			return nil, codeInvalidBody, "payload_b64 is not valid base64"
		}
		return decoded, "", ""
	case req.Payload != "":
		return []byte(req.Payload), "", ""
	default:
		return nil, codeMissingPayload, "payload or payload_b64 is required"
	}
}

func resolvePriority(req enqueueRequest) (int, error) {
	label := strings.TrimSpace(req.PriorityLabel)
	if label != "" && req.Priority != nil {
		return 0, errors.New("priority and priority_label are mutually exclusive")
	}
	if label != "" {
		return priority.Weight(label)
	}
	if req.Priority != nil {
		return *req.Priority, nil
	}
	// Clinical work must state its urgency. Defaulting silently would
	// misprioritize items whose producers forgot the field.
	return 0, errors.New("priority or priority_label is required")
}

type outcomeRecord struct {
	ItemID       string    `json:"item_id"`
	Priority     int       `json:"priority"`
	Outcome      string    `json:"outcome"`
	Attempts     int       `json:"attempts"`
	Cause        string    `json:"cause,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	FinishedAt   time.Time `json:"finished_at"`
	WaitMS       int64     `json:"wait_ms"`
	ProcessingMS int64     `json:"processing_ms"`
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.Journal == nil {
		writeError(w, http.StatusServiceUnavailable, codeJournalFailed, "journal is not configured")
		return
	}

	q := r.URL.Query()
	req := journal.ListRequest{Limit: defaultListLimit}

	if raw := strings.TrimSpace(q.Get("outcome")); raw != "" {
		switch queue.Outcome(raw) {
		case queue.OutcomeCompleted, queue.OutcomeFailed, queue.OutcomeExpired:
			req.Outcome = queue.Outcome(raw)
		default:
			writeError(w, http.StatusBadRequest, codeInvalidQuery, "outcome must be completed|failed|expired")
			return
		}
	}
	if raw := strings.TrimSpace(q.Get("before")); raw != "" {
		before, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidQuery, "before must be RFC 3339")
			return
		}
		req.Before = before
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxListLimit {
			writeError(w, http.StatusBadRequest, codeInvalidQuery, fmt.Sprintf("limit must be 1..%d", maxListLimit))
			return
		}
		req.Limit = limit
	}

	records, err := s.Journal.List(req)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, codeJournalFailed, err.Error())
		return
	}

	out := make([]outcomeRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, outcomeRecord{
			ItemID:       rec.ItemID,
			Priority:     rec.Priority,
			Outcome:      string(rec.Outcome),
			Attempts:     rec.Attempts,
			Cause:        rec.Cause,
			EnqueuedAt:   rec.EnqueuedAt,
			FinishedAt:   rec.FinishedAt,
			WaitMS:       rec.WaitTime.Milliseconds(),
			ProcessingMS: rec.Processing.Milliseconds(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"records": out,
		"count":   len(out),
	})
}

// priorityKey renders a by-priority map key. Known weights get their label,
// anything else the numeric weight.
func priorityKey(weight int) string {
	if label, err := priority.Label(weight); err == nil {
		return label
	}
	return strconv.Itoa(weight)
}

func parseBoolParam(raw string) (bool, bool) {
	switch raw {
	case "", "false", "0":
		return false, true
	case "true", "1":
		return true, true
	default:
		return false, false
	}
}

type errorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	if w == nil {
		return
	}
	code = strings.TrimSpace(code)
	if code == "" {
		code = codeInvalidBody
	}
	detail = strings.TrimSpace(detail)
	if detail == "" {
		detail = http.StatusText(status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Code: code, Detail: detail})
}

func writeMethodNotAllowed(w http.ResponseWriter, expected string) {
	writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, fmt.Sprintf("method must be %s", expected))
}
