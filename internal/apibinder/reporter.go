package apibinder

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zemfyre/edge-agent/infrastructure/fallback"
	"github.com/zemfyre/edge-agent/internal/agentctx"
	"github.com/zemfyre/edge-agent/internal/model"
)

// metricsCacheKey is the fallback cache key for the last successful
// metrics sample.
const metricsCacheKey = "last-metrics-sample"

// metricsCacheTTL bounds how stale a fallback sample may be before it is
// no longer substituted for a failed read.
const metricsCacheTTL = 10 * time.Minute

// gzipThreshold is the payload size above which a report is compressed
// before transmission, per spec.md §4.3 item 5.
const gzipThreshold = 1024

// StateProvider is the subset of reconciler.Manager the report loop
// depends on.
type StateProvider interface {
	GetCurrentState(ctx context.Context) (model.CurrentState, error)
}

type staticFields struct {
	osVersion    string
	agentVersion string
	localIP      string
}

// Reporter implements spec.md §4.3's report loop: periodic PATCH
// /device/state carrying current container state, with metrics sampled
// at a coarser interval and static fields only sent when they change.
type Reporter struct {
	agent    *agentctx.AgentContext
	baseURL  string
	provider StateProvider
	cfg      Config

	backoff          backoff.BackOff
	cyclesPerMetrics int
	cycleCount       int
	firstReport      bool
	lastStatic       staticFields
	metricsFallback  *fallback.Handler
}

func NewReporter(agent *agentctx.AgentContext, baseURL string, provider StateProvider, cfg Config) *Reporter {
	cfg = cfg.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.BackoffBase
	eb.MaxInterval = cfg.BackoffMax
	eb.MaxElapsedTime = 0

	cycles := int(cfg.MetricsInterval / cfg.ReportInterval)
	if cycles < 1 {
		cycles = 1
	}

	return &Reporter{
		agent:            agent,
		baseURL:          baseURL,
		provider:         provider,
		cfg:              cfg,
		backoff:          eb,
		cyclesPerMetrics: cycles,
		firstReport:      true,
		metricsFallback:  fallback.NewHandler(fallback.DefaultConfig()),
	}
}

// Run blocks until ctx is cancelled. On failure the next attempt is
// delayed by exponential backoff instead of waiting a full
// ReportInterval, so a transient cloud outage doesn't starve reporting
// once it recovers.
func (r *Reporter) Run(ctx context.Context) {
	wait := r.cfg.ReportInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := r.reportOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.agent.Logger().WithError(err).Warn("report cycle failed")
			wait = r.backoff.NextBackOff()
			continue
		}

		r.backoff.Reset()
		wait = r.cfg.ReportInterval
	}
}

func (r *Reporter) reportOnce(ctx context.Context) error {
	cs, err := r.provider.GetCurrentState(ctx)
	if err != nil {
		return fmt.Errorf("get current state: %w", err)
	}

	body := currentStateToReportBody(cs)

	r.cycleCount++
	if r.cycleCount%r.cyclesPerMetrics == 0 {
		metrics := r.sampleMetricsWithFallback(ctx)
		body.CPUUsage = metrics.CPUUsage
		body.MemoryUsage = metrics.MemoryUsage
		body.MemoryTotal = metrics.MemoryTotal
		body.StorageUsage = metrics.StorageUsage
		body.StorageTotal = metrics.StorageTotal
		body.Temperature = metrics.Temperature
		body.Uptime = metrics.Uptime
		body.TopProcesses = metrics.TopProcesses
	}

	pendingStatic := r.applyStaticFields(&body)

	envelope := reportEnvelope{r.agent.DeviceUUID(): body}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	req, contentEncoding, err := r.buildRequest(ctx, payload)
	if err != nil {
		return err
	}
	if contentEncoding != "" {
		req.Header.Set("Content-Encoding", contentEncoding)
	}

	resp, err := r.agent.HTTPClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("report rejected: status %d", resp.StatusCode)
	}

	r.commitStaticFields(pendingStatic)
	return nil
}

// sampleMetricsWithFallback samples host metrics, substituting the last
// successful sample when gopsutil briefly fails to read /proc (e.g. under
// memory pressure) rather than reporting an all-nil metrics block.
func (r *Reporter) sampleMetricsWithFallback(ctx context.Context) reportBody {
	result := r.metricsFallback.Execute(ctx,
		func(ctx context.Context) (interface{}, error) {
			m := sampleMetrics()
			if m.CPUUsage == nil && m.MemoryUsage == nil && m.StorageUsage == nil {
				return nil, fmt.Errorf("metrics sample empty")
			}
			return m, nil
		},
		func(ctx context.Context) (interface{}, error) {
			if cached, ok := r.metricsFallback.GetCache(metricsCacheKey); ok {
				return cached, nil
			}
			return nil, fmt.Errorf("no cached metrics sample")
		},
	)
	if result.Err != nil {
		return reportBody{}
	}

	m := result.Value.(reportBody)
	if result.Source == "primary" {
		r.metricsFallback.SetCache(metricsCacheKey, m, metricsCacheTTL)
	}
	return m
}

// applyStaticFields sets os_version/agent_version/local_ip on body only
// when they differ from the last successfully transmitted value, or on
// the first report after start, per spec.md §4.3 item 4. It does not
// mutate Reporter state; call commitStaticFields(current) once the PATCH
// succeeds, so a failed attempt is retried in full rather than being
// recorded as sent.
func (r *Reporter) applyStaticFields(body *reportBody) staticFields {
	current := staticFields{
		osVersion:    osVersion(),
		agentVersion: AgentVersion,
		localIP:      localIP(),
	}

	if r.firstReport || current.osVersion != r.lastStatic.osVersion {
		body.OSVersion = current.osVersion
	}
	if r.firstReport || current.agentVersion != r.lastStatic.agentVersion {
		body.AgentVersion = current.agentVersion
	}
	if r.firstReport || current.localIP != r.lastStatic.localIP {
		body.LocalIP = current.localIP
	}

	return current
}

// commitStaticFields records current as the last successfully transmitted
// static fields, called only after reportOnce's PATCH succeeds.
func (r *Reporter) commitStaticFields(current staticFields) {
	r.lastStatic = current
	r.firstReport = false
}

func (r *Reporter) buildRequest(ctx context.Context, payload []byte) (*http.Request, string, error) {
	body := payload
	encoding := ""

	if len(payload) > gzipThreshold {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(payload); err != nil {
			return nil, "", fmt.Errorf("gzip report: %w", err)
		}
		if err := gw.Close(); err != nil {
			return nil, "", fmt.Errorf("gzip report: %w", err)
		}
		body = buf.Bytes()
		encoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, r.baseURL+"/device/state", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("build report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.agent.APIKey())
	return req, encoding, nil
}
