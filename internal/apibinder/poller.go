package apibinder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zemfyre/edge-agent/internal/agentctx"
	"github.com/zemfyre/edge-agent/internal/model"
)

// TargetSetter is the subset of reconciler.Manager the poll loop depends
// on; it is never given execution authority, only the new target.
type TargetSetter interface {
	SetTarget(model.TargetState) error
}

// Poller implements spec.md §4.3's poll loop: GET /device/{uuid}/state on
// an interval, applying ETag-based conditional requests and exponential
// backoff on failure.
type Poller struct {
	agent          *agentctx.AgentContext
	baseURL        string
	manager        TargetSetter
	cfg            Config
	onUnauthorized func()

	backoff     backoff.BackOff
	lastETag    string
	prevVersion int
}

// NewPoller constructs a Poller. onUnauthorized is invoked (without
// blocking the loop) whenever the cloud rejects the request with 401,
// triggering re-provisioning upstream.
func NewPoller(agent *agentctx.AgentContext, baseURL string, manager TargetSetter, cfg Config, onUnauthorized func()) *Poller {
	cfg = cfg.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.BackoffBase
	eb.MaxInterval = cfg.BackoffMax
	eb.MaxElapsedTime = 0 // retry indefinitely; the loop itself is long-running

	return &Poller{
		agent:          agent,
		baseURL:        baseURL,
		manager:        manager,
		cfg:            cfg,
		onUnauthorized: onUnauthorized,
		backoff:        eb,
	}
}

// Run blocks until ctx is cancelled. No in-flight request is abandoned
// mid-body; the loop only checks for cancellation between cycles.
func (p *Poller) Run(ctx context.Context) {
	wait := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := p.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.agent.Logger().WithError(err).Warn("poll cycle failed")
			wait = p.backoff.NextBackOff()
			continue
		}

		p.backoff.Reset()
		wait = p.cfg.PollInterval
	}
}

func (p *Poller) pollOnce(ctx context.Context) error {
	uuid := p.agent.DeviceUUID()
	// The request is not tied to ctx's cancellation, so a stop signal lets an
	// in-flight poll finish reading its body; Run checks ctx between cycles.
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, p.baseURL+"/device/"+uuid+"/state", nil)
	if err != nil {
		return fmt.Errorf("build poll request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.agent.APIKey())
	if p.lastETag != "" {
		req.Header.Set("If-None-Match", p.lastETag)
	}

	resp, err := p.agent.HTTPClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		if p.onUnauthorized != nil {
			p.onUnauthorized()
		}
		return fmt.Errorf("poll rejected: unauthorized")
	case resp.StatusCode >= 500:
		return fmt.Errorf("poll server error: status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("poll unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env targetEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode target envelope: %w", err)
	}

	body, ok := env[uuid]
	if !ok {
		for _, v := range env {
			body, ok = v, true
			break
		}
	}
	if !ok {
		return fmt.Errorf("target envelope missing device state")
	}

	etag := resp.Header.Get("ETag")
	ts := body.toTargetState(etag, p.prevVersion)

	if err := p.manager.SetTarget(ts); err != nil {
		return fmt.Errorf("apply target state: %w", err)
	}

	p.lastETag = etag
	p.prevVersion = ts.Version
	return nil
}
