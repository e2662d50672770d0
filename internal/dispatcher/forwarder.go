package dispatcher

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/webqx/vitalq/internal/timeout"
)

// ForwardResult reports one outbound call.
type ForwardResult struct {
	StatusCode int
	Duration   time.Duration
	Timeout    time.Duration
	Err        error
}

// Success is the flag recorded into the timeout history: transport errors,
// cancellations, and 5xx responses all count as failures.
func (r ForwardResult) Success() bool {
	return r.Err == nil && r.StatusCode < 500
}

// HTTPForwarder issues outbound connector calls under the adaptive timeout
// for the endpoint and always reports the observed latency back, including
// for aborted calls.
type HTTPForwarder struct {
	Client   *http.Client
	Timeouts *timeout.Manager
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewHTTPForwarder(client *http.Client, timeouts *timeout.Manager) *HTTPForwarder {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPForwarder{
		Client:   client,
		Timeouts: timeouts,
		Logger:   slog.Default(),
		Now:      time.Now,
	}
}

// Forward sends body to url with the endpoint's adaptive timeout applied.
// endpointKey groups latency history; distinct upstream systems must use
// distinct keys.
func (f *HTTPForwarder) Forward(ctx context.Context, endpointKey, method, url string, body []byte, header http.Header) ForwardResult {
	adaptive := f.Timeouts.AdaptiveTimeout(endpointKey)
	ctx, cancel := context.WithTimeout(ctx, adaptive)
	defer cancel()

	nowFn := f.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	start := nowFn()

	res := ForwardResult{Timeout: adaptive}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		res.Err = err
		res.Duration = nowFn().Sub(start)
		f.record(endpointKey, res)
		return res
	}
	for k, v := range header {
		for _, vv := range v {
			req.Header.Add(k, vv)
		}
	}

	resp, err := f.Client.Do(req)
	res.Duration = nowFn().Sub(start)
	if err != nil {
		res.Err = err
		f.record(endpointKey, res)
		return res
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	res.StatusCode = resp.StatusCode
	f.record(endpointKey, res)
	return res
}

func (f *HTTPForwarder) record(endpointKey string, res ForwardResult) {
	f.Timeouts.RecordResponseTime(endpointKey, res.Duration, res.Success())
	if res.Err != nil {
		logger := f.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Debug("forward_failed",
			slog.String("endpoint", endpointKey),
			slog.Duration("duration", res.Duration),
			slog.Duration("timeout", res.Timeout),
			slog.Any("err", res.Err),
		)
	}
}
