package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/webqx/vitalq/internal/journal"
	"github.com/webqx/vitalq/internal/queue"
	"github.com/webqx/vitalq/internal/timeout"
)

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v (%q)", err, rr.Body.String())
	}
	return resp
}

func TestServer_Healthz(t *testing.T) {
	srv := NewServer(queue.New())

	req := httptest.NewRequest(http.MethodGet, "http://example/healthz", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "ok\n" {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestServer_HealthzDetails(t *testing.T) {
	srv := NewServer(queue.New())

	req := httptest.NewRequest(http.MethodGet, "http://example/healthz?details=true", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		OK          bool           `json:"ok"`
		Diagnostics map[string]any `json:"diagnostics"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK {
		t.Fatalf("expected ok=true")
	}
	if _, ok := resp.Diagnostics["queue"]; !ok {
		t.Fatalf("expected queue diagnostics, got %v", resp.Diagnostics)
	}
}

func TestServer_HealthzInvalidDetailsStructuredError(t *testing.T) {
	srv := NewServer(queue.New())

	req := httptest.NewRequest(http.MethodGet, "http://example/healthz?details=maybe", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	errResp := decodeError(t, rr)
	if errResp.Code != codeInvalidQuery {
		t.Fatalf("expected code=%q, got %q", codeInvalidQuery, errResp.Code)
	}
}

func TestServer_MethodNotAllowedStructuredError(t *testing.T) {
	srv := NewServer(queue.New())

	req := httptest.NewRequest(http.MethodPost, "http://example/v1/stats", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	errResp := decodeError(t, rr)
	if errResp.Code != codeMethodNotAllowed {
		t.Fatalf("expected code=%q, got %q", codeMethodNotAllowed, errResp.Code)
	}
	if !strings.Contains(errResp.Detail, http.MethodGet) {
		t.Fatalf("expected detail to mention GET, got %q", errResp.Detail)
	}
}

func TestServer_NotFoundStructuredError(t *testing.T) {
	srv := NewServer(queue.New())

	req := httptest.NewRequest(http.MethodGet, "http://example/does-not-exist", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if got := decodeError(t, rr).Code; got != codeNotFound {
		t.Fatalf("expected code=%q, got %q", codeNotFound, got)
	}
}

func TestServer_BearerAuth(t *testing.T) {
	srv := NewServer(queue.New())
	srv.Authorize = BearerTokenAuthorizer([][]byte{[]byte("s3cret")})

	req := httptest.NewRequest(http.MethodGet, "http://example/healthz", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "http://example/healthz", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "http://example/healthz", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rr.Code)
	}
}

func TestServer_EnqueueAccepted(t *testing.T) {
	q := queue.New()
	srv := NewServer(q)

	body := `{"payload":"{\"obs\":1}","priority_label":"CRITICAL","metadata":{"tenant":"clinic-a"}}`
	req := httptest.NewRequest(http.MethodPost, "http://example/v1/enqueue", strings.NewReader(body))
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp enqueueResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Priority != 100 {
		t.Fatalf("CRITICAL must map to 100, got %d", resp.Priority)
	}
	if !strings.HasPrefix(resp.ID, "wrk_") {
		t.Fatalf("unexpected id: %q", resp.ID)
	}
	if got := q.Metrics().PendingItems; got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
}

func TestServer_EnqueueRequiresPriority(t *testing.T) {
	srv := NewServer(queue.New())

	req := httptest.NewRequest(http.MethodPost, "http://example/v1/enqueue", strings.NewReader(`{"payload":"x"}`))
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := decodeError(t, rr).Code; got != codeInvalidPriority {
		t.Fatalf("expected code=%q, got %q", codeInvalidPriority, got)
	}
}

func TestServer_EnqueueBase64Payload(t *testing.T) {
	srv := NewServer(queue.New())

	req := httptest.NewRequest(http.MethodPost, "http://example/v1/enqueue",
		strings.NewReader(`{"payload_b64":"eyJvYnMiOjF9","priority":50}`))
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestServer_EnqueueHeadersStoredAsMetadata(t *testing.T) {
	q := queue.New()
	srv := NewServer(q)

	body := `{"payload":"x","priority":50,"headers":{"X-Tenant":"clinic-a"},"metadata":{"connector":"ehr-epic"}}`
	req := httptest.NewRequest(http.MethodPost, "http://example/v1/enqueue", strings.NewReader(body))
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	item, ok := q.Dequeue()
	if !ok {
		t.Fatalf("expected queued item")
	}
	if got := item.Metadata["header.X-Tenant"]; got != "clinic-a" {
		t.Fatalf("header metadata = %q", got)
	}
	if got := item.Metadata["connector"]; got != "ehr-epic" {
		t.Fatalf("connector metadata = %q", got)
	}
}

func TestServer_EnqueueValidationErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
		code string
	}{
		{"missing payload", `{"priority":50}`, codeMissingPayload},
		{"unknown label", `{"payload":"x","priority_label":"PANIC"}`, codeInvalidPriority},
		{"label and weight", `{"payload":"x","priority":50,"priority_label":"HIGH"}`, codeInvalidPriority},
		{"both payload forms", `{"payload":"x","payload_b64":"eA=="}`, codeInvalidBody},
		{"bad base64", `{"payload_b64":"!!"}`, codeInvalidBody},
		{"negative priority", `{"payload":"x","priority":-5}`, codeInvalidPriority},
		{"bad expires_at", `{"payload":"x","priority":50,"expires_at":"tomorrow"}`, codeInvalidBody},
		{"bad header name", `{"payload":"x","priority":50,"headers":{"X Tenant":"clinic-a"}}`, codeInvalidHeaders},
		{"reserved header", `{"payload":"x","priority":50,"headers":{"Host":"evil.example"}}`, codeInvalidHeaders},
		{"deferred with expires_at", `{"payload":"x","priority":50,"deferred":true,"expires_at":"2026-08-28T00:00:00Z"}`, codeInvalidBody},
		{"unknown field", `{"payload":"x","nope":true}`, codeInvalidBody},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv := NewServer(queue.New())
			req := httptest.NewRequest(http.MethodPost, "http://example/v1/enqueue", strings.NewReader(tc.body))
			rr := httptest.NewRecorder()
			srv.ServeHTTP(rr, req)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			if got := decodeError(t, rr).Code; got != tc.code {
				t.Fatalf("expected code=%q, got %q", tc.code, got)
			}
		})
	}
}

func TestServer_EnqueueQueueFull(t *testing.T) {
	q := queue.New(queue.WithMaxDepth(1))
	if _, err := q.Enqueue([]byte("x"), 50, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	srv := NewServer(q)

	req := httptest.NewRequest(http.MethodPost, "http://example/v1/enqueue", strings.NewReader(`{"payload":"y","priority":50}`))
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if got := decodeError(t, rr).Code; got != codeQueueFull {
		t.Fatalf("expected code=%q, got %q", codeQueueFull, got)
	}
}

func TestServer_Stats(t *testing.T) {
	q := queue.New()
	if _, err := q.Enqueue([]byte("x"), 100, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	tm := timeout.NewManager()
	tm.RecordResponseTime("ehr/epic", 2*time.Second, true)

	srv := NewServer(q)
	srv.Timeouts = tm

	req := httptest.NewRequest(http.MethodGet, "http://example/v1/stats", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var resp statsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Queue == nil || resp.Queue.Pending != 1 {
		t.Fatalf("queue stats: %+v", resp.Queue)
	}
	if got := resp.Queue.DepthByPriority["CRITICAL"]; got != 1 {
		t.Fatalf("depth by priority: %v", resp.Queue.DepthByPriority)
	}
	if len(resp.Timeouts) != 1 || resp.Timeouts[0].Endpoint != "ehr/epic" {
		t.Fatalf("timeout stats: %+v", resp.Timeouts)
	}
}

func TestServer_Outcomes(t *testing.T) {
	q := queue.New()
	store := journal.NewMemoryStore()
	srv := NewServer(q)
	srv.Journal = store

	if err := store.Append(queue.Record{
		ItemID:     "wrk_1",
		Priority:   100,
		Outcome:    queue.OutcomeCompleted,
		Attempts:   1,
		FinishedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append(queue.Record{
		ItemID:     "wrk_2",
		Priority:   10,
		Outcome:    queue.OutcomeFailed,
		Attempts:   3,
		Cause:      "connector unreachable",
		FinishedAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "http://example/v1/outcomes?outcome=failed", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Records []outcomeRecord `json:"records"`
		Count   int             `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Records[0].ItemID != "wrk_2" {
		t.Fatalf("unexpected records: %+v", resp.Records)
	}
}

func TestServer_OutcomesInvalidFilter(t *testing.T) {
	srv := NewServer(queue.New())
	srv.Journal = journal.NewMemoryStore()

	req := httptest.NewRequest(http.MethodGet, "http://example/v1/outcomes?outcome=lost", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestServer_OutcomesWithoutJournal(t *testing.T) {
	srv := NewServer(queue.New())

	req := httptest.NewRequest(http.MethodGet, "http://example/v1/outcomes", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	q := queue.New()
	if _, err := q.Enqueue([]byte("x"), 100, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	srv := NewServer(q)
	srv.Version = "1.2.3"

	req := httptest.NewRequest(http.MethodGet, "http://example/metrics", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type: %q", ct)
	}

	body := rr.Body.String()
	for _, want := range []string{
		"vitalq_up 1",
		`vitalq_build_info{version="1.2.3"} 1`,
		"vitalq_queue_pending 1",
		`vitalq_queue_depth{priority="CRITICAL"} 1`,
		"vitalq_queue_completed_total 0",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}
