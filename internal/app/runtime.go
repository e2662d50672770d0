package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/webqx/vitalq/internal/admin"
	"github.com/webqx/vitalq/internal/batch"
	"github.com/webqx/vitalq/internal/dispatcher"
	"github.com/webqx/vitalq/internal/httpheader"
	"github.com/webqx/vitalq/internal/queue"
	"github.com/webqx/vitalq/internal/secrets"
)

// runtimeState holds the hot-reloadable slice of the config: admin auth and
// the connector table. Everything else requires a restart.
type runtimeState struct {
	mu         sync.RWMutex
	connectors map[string]ConnectorConfig
	authorizer admin.Authorizer
}

func newRuntimeState(cfg Config) (*runtimeState, error) {
	s := &runtimeState{}
	if err := s.apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *runtimeState) apply(cfg Config) error {
	connectors := make(map[string]ConnectorConfig, len(cfg.Connectors))
	for _, conn := range cfg.Connectors {
		connectors[conn.Name] = conn
	}
	tokens := make([][]byte, 0, len(cfg.AuthTokens)+len(cfg.AuthTokenRefs))
	for _, t := range cfg.AuthTokens {
		tokens = append(tokens, []byte(t))
	}
	for _, ref := range cfg.AuthTokenRefs {
		val, err := secrets.LoadRef(ref)
		if err != nil {
			return fmt.Errorf("resolve auth token ref: %w", err)
		}
		tokens = append(tokens, val)
	}

	s.mu.Lock()
	s.connectors = connectors
	s.authorizer = admin.BearerTokenAuthorizer(tokens)
	s.mu.Unlock()
	return nil
}

func (s *runtimeState) authorize(r *http.Request) bool {
	s.mu.RLock()
	auth := s.authorizer
	s.mu.RUnlock()
	if auth == nil {
		return true
	}
	return auth(r)
}

func (s *runtimeState) connector(name string) (ConnectorConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.connectors[name]
	return conn, ok
}

// connectorHandler forwards each dequeued item to the connector named in
// its metadata. Items without a connector are completed in place so the
// queue can also carry locally handled work.
func connectorHandler(state *runtimeState, forwarder *dispatcher.HTTPForwarder) dispatcher.Handler {
	return func(ctx context.Context, item *queue.Item) error {
		name := item.Metadata["connector"]
		if name == "" {
			return nil
		}
		conn, ok := state.connector(name)
		if !ok {
			return dispatcher.Permanent(fmt.Errorf("unknown connector %q", name))
		}

		method := conn.Method
		if method == "" {
			method = http.MethodPost
		}
		header := httpheader.FromMetadata(item.Metadata)
		if header == nil {
			header = http.Header{}
		}
		header.Set("Content-Type", "application/json")

		res := forwarder.Forward(ctx, conn.Name, method, conn.URL, item.Payload, header)
		if res.Err != nil {
			return fmt.Errorf("forward to %s: %w", conn.Name, res.Err)
		}
		if res.StatusCode >= 500 {
			return fmt.Errorf("forward to %s: upstream returned %d", conn.Name, res.StatusCode)
		}
		if res.StatusCode >= 400 {
			// 4xx will not improve on retry.
			return dispatcher.Permanent(fmt.Errorf("forward to %s: upstream returned %d", conn.Name, res.StatusCode))
		}
		return nil
	}
}

// reloadConfig re-reads the file and swaps the reloadable state. A broken
// file keeps the running config.
func reloadConfig(path string, state *runtimeState, batches *batch.Manager, logger *slog.Logger, trigger string) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		logger.Warn("reload_read_failed", slog.String("trigger", trigger), slog.Any("err", err))
		return
	}
	res := cfg.Validate()
	if !res.OK {
		logger.Warn("reload_rejected",
			slog.String("trigger", trigger),
			slog.String("detail", FormatValidationText(res)),
		)
		return
	}

	if err := state.apply(cfg); err != nil {
		logger.Warn("reload_rejected", slog.String("trigger", trigger), slog.Any("err", err))
		return
	}
	if batches != nil {
		// New operations become adjustable immediately; removed ones keep
		// serving their last size until restart.
		for _, op := range cfg.Operations {
			batches.RegisterOperation(op.Name, op.DefaultBatchSize)
		}
	}
	logger.Info("config_reloaded", slog.String("trigger", trigger))
}
