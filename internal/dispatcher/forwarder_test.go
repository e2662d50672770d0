package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/webqx/vitalq/internal/timeout"
)

func TestForwardRecordsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tm := timeout.NewManager()
	f := NewHTTPForwarder(srv.Client(), tm)

	res := f.Forward(context.Background(), "ehr/epic", http.MethodPost, srv.URL, []byte(`{}`), nil)
	if res.Err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("forward: %+v", res)
	}
	if !res.Success() {
		t.Fatalf("expected success")
	}

	stats, ok := tm.EndpointStats("ehr/epic")
	if !ok || stats.SampleCount != 1 || stats.SuccessCount != 1 {
		t.Fatalf("history not recorded: %+v", stats)
	}
}

func TestForwardRecords5xxAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	tm := timeout.NewManager()
	f := NewHTTPForwarder(srv.Client(), tm)

	res := f.Forward(context.Background(), "ehr/epic", http.MethodPost, srv.URL, nil, nil)
	if res.Success() {
		t.Fatalf("5xx must not count as success")
	}
	stats, _ := tm.EndpointStats("ehr/epic")
	if stats.FailureCount != 1 {
		t.Fatalf("failure not recorded: %+v", stats)
	}
}

func TestForwardRecordsCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	tm := timeout.NewManager()
	f := NewHTTPForwarder(srv.Client(), tm)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := f.Forward(ctx, "ehr/slow", http.MethodGet, srv.URL, nil, nil)
	if res.Err == nil {
		t.Fatalf("expected cancellation error")
	}

	// An aborted call must still land in the latency history as a failure.
	stats, ok := tm.EndpointStats("ehr/slow")
	if !ok || stats.FailureCount != 1 {
		t.Fatalf("cancelled call not recorded: %+v", stats)
	}
}

func TestForwardAppliesAdaptiveTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	tm := timeout.NewManager(
		timeout.WithBounds(20*time.Millisecond, 50*time.Millisecond),
		timeout.WithFallback(20*time.Millisecond),
	)
	f := NewHTTPForwarder(srv.Client(), tm)

	start := time.Now()
	res := f.Forward(context.Background(), "ehr/stuck", http.MethodGet, srv.URL, nil, nil)
	if res.Err == nil {
		t.Fatalf("expected timeout")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("adaptive timeout was not applied: took %s", elapsed)
	}
	if res.Timeout != 20*time.Millisecond {
		t.Fatalf("timeout used: %s", res.Timeout)
	}
}

func TestForwardSetsHeaders(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
	}))
	defer srv.Close()

	f := NewHTTPForwarder(srv.Client(), timeout.NewManager())
	header := http.Header{}
	header.Set("Content-Type", "application/fhir+json")

	res := f.Forward(context.Background(), "ehr/epic", http.MethodPost, srv.URL, []byte(`{}`), header)
	if res.Err != nil {
		t.Fatalf("forward: %v", res.Err)
	}
	if gotContentType != "application/fhir+json" {
		t.Fatalf("content type: %q", gotContentType)
	}
}
