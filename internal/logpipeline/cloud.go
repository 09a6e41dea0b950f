package logpipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zemfyre/edge-agent/infrastructure/logging"
	"github.com/zemfyre/edge-agent/internal/agentctx"
	"github.com/zemfyre/edge-agent/internal/model"
)

// CloudConfig parameterizes the Cloud backend, per spec.md §4.5 item 3.
type CloudConfig struct {
	FlushInterval time.Duration
	FlushSize     int // bytes
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	Gzip          bool
}

func DefaultCloudConfig() CloudConfig {
	return CloudConfig{
		FlushInterval: 100 * time.Millisecond,
		FlushSize:     256 * 1024,
		BackoffBase:   5 * time.Second,
		BackoffMax:    5 * time.Minute,
		Gzip:          true,
	}
}

// CloudBackend buffers log messages and flushes them as NDJSON to
// POST /device/{uuid}/logs, on whichever of FlushInterval/FlushSize comes
// first. A failed flush restores the batch to the front of the buffer and
// backs off before the next attempt.
type CloudBackend struct {
	agent   *agentctx.AgentContext
	baseURL string
	cfg     CloudConfig
	logger  *logging.Logger
	backoff backoff.BackOff

	mu         sync.Mutex
	buffer     []model.LogMessage
	bufferSize int
}

func NewCloudBackend(agent *agentctx.AgentContext, baseURL string, cfg CloudConfig, logger *logging.Logger) *CloudBackend {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultCloudConfig().FlushInterval
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = DefaultCloudConfig().FlushSize
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultCloudConfig().BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultCloudConfig().BackoffMax
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.BackoffBase
	eb.MaxInterval = cfg.BackoffMax
	eb.MaxElapsedTime = 0

	return &CloudBackend{agent: agent, baseURL: baseURL, cfg: cfg, logger: logger, backoff: eb}
}

// Emit enqueues msg, flushing immediately if the buffer has grown past
// FlushSize bytes (estimated from the message text).
func (b *CloudBackend) Emit(msg model.LogMessage) {
	b.mu.Lock()
	b.buffer = append(b.buffer, msg)
	b.bufferSize += len(msg.Message)
	full := b.bufferSize >= b.cfg.FlushSize
	b.mu.Unlock()

	if full {
		b.Flush(context.Background())
	}
}

// Run flushes on FlushInterval until ctx is cancelled, respecting backoff
// after a failed flush. No final flush is made on cancellation.
func (b *CloudBackend) Run(ctx context.Context) {
	wait := b.cfg.FlushInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := b.Flush(ctx); err != nil {
			b.logger.WithError(err).Warn("cloud log flush failed")
			wait = b.backoff.NextBackOff()
			continue
		}
		b.backoff.Reset()
		wait = b.cfg.FlushInterval
	}
}

// Flush sends the current buffer, restoring it (prepended to whatever
// arrived meanwhile) on failure.
func (b *CloudBackend) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.buffer
	b.buffer = nil
	b.bufferSize = 0
	b.mu.Unlock()

	if err := b.send(ctx, batch); err != nil {
		b.mu.Lock()
		b.buffer = append(batch, b.buffer...)
		b.bufferSize = 0
		for _, m := range b.buffer {
			b.bufferSize += len(m.Message)
		}
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *CloudBackend) send(ctx context.Context, batch []model.LogMessage) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, m := range batch {
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("encode ndjson log: %w", err)
		}
	}

	body := buf.Bytes()
	encoding := ""
	if b.cfg.Gzip {
		var gz bytes.Buffer
		gw := gzip.NewWriter(&gz)
		if _, err := gw.Write(body); err != nil {
			return fmt.Errorf("gzip log batch: %w", err)
		}
		if err := gw.Close(); err != nil {
			return fmt.Errorf("gzip log batch: %w", err)
		}
		body = gz.Bytes()
		encoding = "gzip"
	}

	url := b.baseURL + "/device/" + b.agent.DeviceUUID() + "/logs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build log upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("X-Device-API-Key", b.agent.APIKey())
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := b.agent.HTTPClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("log upload rejected: status %d", resp.StatusCode)
	}
	return nil
}
