// Package supervisor is the Device Manager: it owns the lifecycle of
// every subsystem in spec.md §4 — provisioning, the reconciler, the API
// binder's poll/report loops, the shadow engine, the log pipeline, and the
// loopback device API — starting them together and giving every worker a
// bounded window to exit cleanly on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/zemfyre/edge-agent/infrastructure/httputil"
	"github.com/zemfyre/edge-agent/infrastructure/resilience"
	"github.com/zemfyre/edge-agent/infrastructure/service"
	"github.com/zemfyre/edge-agent/internal/agentctx"
	"github.com/zemfyre/edge-agent/internal/apibinder"
	"github.com/zemfyre/edge-agent/internal/deviceapi"
	"github.com/zemfyre/edge-agent/internal/dockeradapter"
	"github.com/zemfyre/edge-agent/internal/logpipeline"
	"github.com/zemfyre/edge-agent/internal/model"
	"github.com/zemfyre/edge-agent/internal/provisioning"
	"github.com/zemfyre/edge-agent/internal/reconciler"
	"github.com/zemfyre/edge-agent/internal/shadow"
	"github.com/zemfyre/edge-agent/internal/store"
)

// logLevelDeltaSection is the shadow delta section spec.md §4.4 reserves
// for the agent's own log level, one of the "other recognized delta
// sections (extensible)" alongside sensor config and feature flags.
const logLevelDeltaSection = "logLevel"

// logRetentionSchedule sweeps the local log backend's ring buffer once a
// minute; LocalBackend.EvictOlderThan is explicitly meant to run on a
// ticker like this one.
const logRetentionSchedule = "@every 1m"

// Supervisor wires every subsystem together and drives their combined
// lifecycle through one infrastructure/service.BaseService.
type Supervisor struct {
	base *service.BaseService
	cfg  Config

	agent *agentctx.AgentContext
	store *store.Store

	provisioner *provisioning.Client
	runtime     *dockeradapter.Adapter
	manager     *reconciler.Manager
	poller      *apibinder.Poller
	reporter    *apibinder.Reporter

	shadowEngine *shadow.Engine
	shadowCB     *resilience.CircuitBreaker

	localBackend  *logpipeline.LocalBackend
	mqttLogClient mqtt.Client
	monitor       *logpipeline.Monitor
	cron          *cron.Cron

	deviceAPI *deviceapi.Server

	watchMu  sync.Mutex
	watching map[string]bool

	fatal chan error
}

// New constructs every subsystem that does not need a live device identity
// yet. MQTT-dependent components (the shadow engine, the MQTT log backend,
// and the finalized log Monitor) are constructed inside the hydrate hook,
// after one-time provisioning has resolved the device's broker credentials.
func New(cfg Config, st *store.Store, agent *agentctx.AgentContext) (*Supervisor, error) {
	cfg = cfg.withDefaults()
	logger := agent.Logger()

	rt, err := dockeradapter.New()
	if err != nil {
		return nil, fmt.Errorf("connect container runtime: %w", err)
	}

	manager := reconciler.New(reconciler.DockerRuntime{Adapter: rt}, st, logger)

	localBackend, err := logpipeline.NewLocalBackend(logpipeline.LocalConfig{
		MaxLogs:     cfg.MaxLogs,
		PersistDir:  persistDir(cfg),
		MaxFileSize: cfg.MaxLogFileSize,
		MaxAge:      cfg.LogMaxAge,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open local log backend: %w", err)
	}

	s := &Supervisor{
		cfg:          cfg,
		agent:        agent,
		store:        st,
		provisioner:  provisioning.New(cfg.CloudAPIEndpoint, httputil.CopyHTTPClientWithTimeout(agent.HTTPClient(), 30*time.Second, false)),
		runtime:      rt,
		manager:      manager,
		localBackend: localBackend,
		shadowCB:     resilience.New(resilience.DefaultConfig()),
		watching:     map[string]bool{},
		fatal:        make(chan error, 1),
	}

	s.poller = apibinder.NewPoller(agent, cfg.CloudAPIEndpoint, manager, apibinder.Config{
		PollInterval: cfg.PollInterval,
	}, s.onUnauthorized)
	s.reporter = apibinder.NewReporter(agent, cfg.CloudAPIEndpoint, manager, apibinder.Config{
		ReportInterval:  cfg.ReportInterval,
		MetricsInterval: cfg.MetricsInterval,
	})

	s.deviceAPI = deviceapi.New(agent, manager, logQuerierAdapter{localBackend}, rt, st, deviceapi.Config{
		Port: cfg.DeviceAPIPort,
	}, runtime.GOOS+" "+runtime.GOARCH)

	s.base = service.NewBase(&service.BaseConfig{
		ID:      "supervisor",
		Name:    "edge-agent",
		Store:   st,
		Creds:   agent,
		Logger:  logger,
	}).WithHydrate(s.hydrate)

	s.base.AddWorker(func(ctx context.Context) { s.poller.Run(ctx) })
	s.base.AddWorker(func(ctx context.Context) { s.reporter.Run(ctx) })
	s.base.AddTickerWorker(cfg.ReconciliationInterval, s.reconcileOnce, service.WithTickerWorkerName("reconcile"), service.WithTickerWorkerImmediate())

	return s, nil
}

// persistDir returns the NDJSON persistence directory for the local log
// backend, or "" when file logging is disabled.
func persistDir(cfg Config) string {
	if !cfg.EnableFileLogging {
		return ""
	}
	return cfg.LogDir
}

// hydrate runs once, synchronously, before any background worker starts.
// It ensures the device is provisioned, then constructs and connects
// every MQTT-dependent component so their workers can be registered from
// here: infrastructure/service.BaseService spawns workers only after
// hydrate returns, so late registration still takes effect.
func (s *Supervisor) hydrate(ctx context.Context) error {
	if err := s.ensureProvisioned(ctx); err != nil {
		return fmt.Errorf("provision device: %w", err)
	}

	backends := []logpipeline.Backend{s.localBackend}

	if broker, username, password := s.agent.MQTTCredentials(); broker != "" {
		opts := mqtt.NewClientOptions().
			AddBroker(broker).
			SetUsername(username).
			SetPassword(password).
			SetClientID("edge-agent-logs-" + s.agent.DeviceUUID()).
			SetAutoReconnect(true)
		s.mqttLogClient = mqtt.NewClient(opts)
		s.mqttLogClient.Connect() // async; MQTTBackend drops publishes silently until connected

		mqttBackend := logpipeline.NewMQTTBackend(s.mqttLogClient, logpipeline.DefaultMQTTConfig(), s.agent.Logger())
		backends = append(backends, mqttBackend)
		s.base.AddWorker(func(ctx context.Context) { mqttBackend.Run(s.base.StopChan()) })
	}

	if s.cfg.EnableCloudLogging {
		cloud := logpipeline.NewCloudBackend(s.agent, s.cfg.CloudAPIEndpoint, logpipeline.CloudConfig{
			Gzip: s.cfg.LogCompression,
		}, s.agent.Logger())
		backends = append(backends, cloud)
		s.base.AddWorker(func(ctx context.Context) { cloud.Run(ctx) })
	}

	s.monitor = logpipeline.NewMonitor(s.runtime, s.agent.Logger(), backends...)
	s.base.AddTickerWorker(5*time.Second, s.syncWatchedContainers, service.WithTickerWorkerName("log-watch-sync"))

	if s.cfg.EnableShadow {
		s.shadowEngine = shadow.New(s.agent, s.cfg.ShadowName, s.agent.Logger())
		s.shadowEngine.RegisterHandler(logLevelDeltaSection, s.handleLogLevelDelta)
		s.base.AddTickerWorker(5*time.Second, s.connectShadow, service.WithTickerWorkerName("shadow-connect"), service.WithTickerWorkerImmediate())
	}

	s.cron = cron.New()
	s.cron.AddFunc(logRetentionSchedule, func() { s.localBackend.EvictOlderThan(time.Now()) })
	s.cron.Start()

	if err := s.deviceAPI.Start(ctx); err != nil {
		return fmt.Errorf("start device api: %w", err)
	}

	return nil
}

// ensureProvisioned loads a persisted device identity, or registers a new
// one against the cloud if none exists yet (first boot).
func (s *Supervisor) ensureProvisioned(ctx context.Context) error {
	dev, ok, err := s.store.LoadDevice()
	if err != nil {
		return fmt.Errorf("load device identity: %w", err)
	}
	if ok && dev.Provisioned() {
		s.agent.SetCredentials(agentctx.Credentials{
			DeviceUUID:    dev.UUID,
			APIKey:        dev.APIKey,
			MQTTBrokerURL: dev.MQTTBrokerURL,
			MQTTUsername:  dev.MQTTUsername,
			MQTTPassword:  dev.MQTTPassword,
		})
		s.applyMQTTOverrides()
		return nil
	}
	return s.reprovision(ctx)
}

// reprovision registers the device fresh against the cloud and persists
// the resulting identity. Invoked at first boot and again after the poll
// loop reports a 401, per spec.md §7's "one re-provisioning attempt".
func (s *Supervisor) reprovision(ctx context.Context) error {
	deviceUUID := s.agent.DeviceUUID()
	if deviceUUID == "" {
		deviceUUID = uuid.New().String()
	}

	resp, err := s.provisioner.Register(ctx, provisioning.Request{
		UUID:            deviceUUID,
		DeviceName:      s.cfg.DeviceName,
		DeviceType:      s.cfg.DeviceType,
		ProvisioningKey: s.cfg.ProvisioningAPIKey,
	})
	if err != nil {
		return err
	}

	s.agent.SetCredentials(resp.AsCredentials(deviceUUID))
	s.applyMQTTOverrides()

	broker, username, password := s.agent.MQTTCredentials()
	if err := s.store.SaveDevice(model.Device{
		UUID:          deviceUUID,
		APIKey:        s.agent.APIKey(),
		MQTTBrokerURL: broker,
		MQTTUsername:  username,
		MQTTPassword:  password,
	}); err != nil {
		return fmt.Errorf("persist device identity: %w", err)
	}
	return nil
}

// applyMQTTOverrides lets MQTT_BROKER/MQTT_USERNAME/MQTT_PASSWORD in the
// environment win over whatever provisioning or the persisted device
// returned, per spec.md §6.
func (s *Supervisor) applyMQTTOverrides() {
	if s.cfg.MQTTBrokerOverride == "" && s.cfg.MQTTUsernameOverride == "" && s.cfg.MQTTPasswordOverride == "" {
		return
	}
	broker, username, password := s.agent.MQTTCredentials()
	if s.cfg.MQTTBrokerOverride != "" {
		broker = s.cfg.MQTTBrokerOverride
	}
	if s.cfg.MQTTUsernameOverride != "" {
		username = s.cfg.MQTTUsernameOverride
	}
	if s.cfg.MQTTPasswordOverride != "" {
		password = s.cfg.MQTTPasswordOverride
	}
	s.agent.SetMQTTBroker(broker, username, password)
}

// onUnauthorized is passed to the poller as its 401 callback. A persistent
// re-provisioning failure is surfaced on Fatal so cmd/agent can exit 1,
// per spec.md §7's authentication error taxonomy.
func (s *Supervisor) onUnauthorized() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.reprovision(ctx); err != nil {
			select {
			case s.fatal <- fmt.Errorf("re-provisioning after unauthorized poll: %w", err):
			default:
			}
		}
	}()
}

// connectShadow is a ticker worker: it attempts a (re)connect whenever the
// engine isn't already connected, wrapped in a circuit breaker so a broken
// broker doesn't get hammered every tick.
func (s *Supervisor) connectShadow(ctx context.Context) error {
	if s.shadowEngine.State() == model.ShadowConnected {
		return nil
	}
	return s.shadowCB.Execute(ctx, func() error {
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return s.shadowEngine.Connect(connectCtx)
	})
}

// handleLogLevelDelta adjusts the agent's own log verbosity from a shadow
// delta's "logLevel" section, e.g. {"level": "debug"}.
func (s *Supervisor) handleLogLevelDelta(ctx context.Context, raw []byte) error {
	level := gjson.GetBytes(raw, "level")
	if !level.Exists() {
		return fmt.Errorf("logLevel delta missing level field")
	}
	parsed, err := logrus.ParseLevel(level.String())
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level.String(), err)
	}
	s.agent.Logger().SetLevel(parsed)
	return nil
}

// reconcileOnce runs one convergence cycle. Which containers the log
// Monitor is attached to is resynced separately by syncWatchedContainers.
func (s *Supervisor) reconcileOnce(ctx context.Context) error {
	return s.manager.Reconcile(ctx)
}

// syncWatchedContainers diffs the reconciler's current state against what
// the log Monitor is already watching, attaching to newly running
// containers and detaching from ones no longer present.
func (s *Supervisor) syncWatchedContainers(ctx context.Context) error {
	cs, err := s.manager.GetCurrentState(ctx)
	if err != nil {
		return err
	}

	live := map[string]bool{}
	for appID, app := range cs.Apps {
		for _, svc := range app.Services {
			if svc.Status != model.StatusRunning || svc.ContainerID == "" {
				continue
			}
			live[svc.ContainerID] = true
			s.watchMu.Lock()
			already := s.watching[svc.ContainerID]
			s.watchMu.Unlock()
			if !already {
				s.monitor.Watch(ctx, svc.ContainerID, appID, svc.ServiceID, svc.ServiceName)
				s.watchMu.Lock()
				s.watching[svc.ContainerID] = true
				s.watchMu.Unlock()
			}
		}
	}

	s.watchMu.Lock()
	for id := range s.watching {
		if !live[id] {
			delete(s.watching, id)
			s.monitor.Unwatch(id)
		}
	}
	s.watchMu.Unlock()
	return nil
}

// Fatal reports unrecoverable errors that should terminate the process
// (exit code 1 per spec.md §6), e.g. a persistent re-provisioning failure.
func (s *Supervisor) Fatal() <-chan error {
	return s.fatal
}

// Run starts every subsystem and blocks until ctx is cancelled, then gives
// every worker ShutdownTimeout to exit before returning anyway, per
// spec.md §5's cooperative-shutdown-with-hard-deadline requirement.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.base.Start(runCtx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	select {
	case <-ctx.Done():
	case err := <-s.fatal:
		cancel()
		s.shutdown()
		return err
	}

	cancel()
	s.shutdown()
	return nil
}

// shutdown stops every subsystem, bounded by ShutdownTimeout: workers that
// don't observe cancellation within the deadline are abandoned rather than
// blocking process exit.
func (s *Supervisor) shutdown() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.base.Stop()
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		if s.shadowEngine != nil {
			s.shadowEngine.Disconnect()
		}
		if s.mqttLogClient != nil {
			s.mqttLogClient.Disconnect(250)
		}
		_ = s.localBackend.Close()
		_ = s.deviceAPI.Stop(context.Background())
		_ = s.runtime.Close()
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.agent.Logger().Warn("shutdown deadline exceeded, exiting anyway")
	}
}

// logQuerierAdapter bridges deviceapi.LogFilter to logpipeline.LocalFilter.
// The two types share an identical field sequence so this is a plain type
// conversion, not a field-by-field copy.
type logQuerierAdapter struct {
	backend *logpipeline.LocalBackend
}

func (a logQuerierAdapter) Query(f deviceapi.LogFilter) []model.LogMessage {
	return a.backend.Query(logpipeline.LocalFilter(f))
}
