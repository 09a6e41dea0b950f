package supervisor

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/zemfyre/edge-agent/infrastructure/logging"
	"github.com/zemfyre/edge-agent/internal/agentctx"
	"github.com/zemfyre/edge-agent/internal/deviceapi"
	"github.com/zemfyre/edge-agent/internal/dockeradapter"
	"github.com/zemfyre/edge-agent/internal/logpipeline"
	"github.com/zemfyre/edge-agent/internal/model"
	"github.com/zemfyre/edge-agent/internal/reconciler"
)

func testLogger() *logging.Logger {
	return logging.NewFromEnv("supervisor-test")
}

func testAgent() *agentctx.AgentContext {
	a := agentctx.New(nil, testLogger())
	a.SetCredentials(agentctx.Credentials{DeviceUUID: "d1", APIKey: "key1"})
	return a
}

func TestPersistDirDisabledWhenFileLoggingOff(t *testing.T) {
	if dir := persistDir(Config{EnableFileLogging: false, LogDir: "/var/log/edge-agent"}); dir != "" {
		t.Errorf("persistDir = %q, want empty when file logging disabled", dir)
	}
}

func TestPersistDirUsesConfiguredDirWhenEnabled(t *testing.T) {
	if dir := persistDir(Config{EnableFileLogging: true, LogDir: "/var/log/edge-agent"}); dir != "/var/log/edge-agent" {
		t.Errorf("persistDir = %q, want /var/log/edge-agent", dir)
	}
}

func TestHandleLogLevelDeltaAppliesParsedLevel(t *testing.T) {
	s := &Supervisor{agent: testAgent()}

	if err := s.handleLogLevelDelta(context.Background(), []byte(`{"level":"debug"}`)); err != nil {
		t.Fatalf("handleLogLevelDelta: %v", err)
	}
	if got := s.agent.Logger().GetLevel(); got != logrus.DebugLevel {
		t.Errorf("log level = %v, want debug", got)
	}
}

func TestHandleLogLevelDeltaRejectsMissingField(t *testing.T) {
	s := &Supervisor{agent: testAgent()}

	if err := s.handleLogLevelDelta(context.Background(), []byte(`{}`)); err == nil {
		t.Fatal("expected error for delta missing level field")
	}
}

func TestHandleLogLevelDeltaRejectsUnknownLevel(t *testing.T) {
	s := &Supervisor{agent: testAgent()}

	if err := s.handleLogLevelDelta(context.Background(), []byte(`{"level":"deafening"}`)); err == nil {
		t.Fatal("expected error for unrecognized level")
	}
}

func TestLogQuerierAdapterConvertsFilter(t *testing.T) {
	backend, err := logpipeline.NewLocalBackend(logpipeline.DefaultLocalConfig(), testLogger())
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	backend.Emit(model.LogMessage{Message: "hi", ServiceID: 1001, Level: model.LogError})
	backend.Emit(model.LogMessage{Message: "bye", ServiceID: 1002, Level: model.LogInfo})

	adapter := logQuerierAdapter{backend: backend}
	out := adapter.Query(deviceapi.LogFilter{ServiceID: 1001})

	if len(out) != 1 || out[0].Message != "hi" {
		t.Errorf("out = %+v, want one entry for service 1001", out)
	}
}

// fakeRuntime is a minimal reconciler.Runtime fake reporting a fixed set of
// running containers.
type fakeRuntime struct {
	containers []reconciler.RuntimeContainer
}

func (f *fakeRuntime) ListContainers(ctx context.Context, appID int) ([]reconciler.RuntimeContainer, error) {
	return f.containers, nil
}
func (f *fakeRuntime) ListNetworks(ctx context.Context, appID int) ([]model.Network, error) {
	return nil, nil
}
func (f *fakeRuntime) CreateNetwork(ctx context.Context, n model.Network) error    { return nil }
func (f *fakeRuntime) RemoveNetwork(ctx context.Context, id string) error         { return nil }
func (f *fakeRuntime) PullImage(ctx context.Context, ref string) error            { return nil }
func (f *fakeRuntime) CreateContainer(ctx context.Context, spec reconciler.ContainerSpec) (string, error) {
	return "", nil
}
func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error                 { return nil }
func (f *fakeRuntime) StopContainer(ctx context.Context, id string, timeoutSeconds int) error { return nil }
func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string, force bool) error     { return nil }

type fakeStore struct {
	current model.CurrentState
}

func (f *fakeStore) SaveTargetState(ts model.TargetState) error { return nil }
func (f *fakeStore) LoadLatestTargetState() (model.TargetState, bool, error) {
	return model.TargetState{}, false, nil
}
func (f *fakeStore) SaveCurrentState(cs model.CurrentState) error {
	f.current = cs
	return nil
}

// fakeStreamSource hands back already-closed channels so Monitor.capture
// returns immediately without a real container to attach to.
type fakeStreamSource struct{}

func (fakeStreamSource) AttachLogStream(ctx context.Context, containerID string) (<-chan dockeradapter.Frame, <-chan error, error) {
	frames := make(chan dockeradapter.Frame)
	errs := make(chan error)
	close(frames)
	close(errs)
	return frames, errs, nil
}

func TestSyncWatchedContainersTracksRunningAndRemoved(t *testing.T) {
	rt := &fakeRuntime{containers: []reconciler.RuntimeContainer{
		{ContainerID: "c1", AppID: 1, ServiceID: 1, Status: model.StatusRunning},
	}}
	manager := reconciler.New(rt, &fakeStore{}, testLogger())
	monitor := logpipeline.NewMonitor(fakeStreamSource{}, testLogger())

	s := &Supervisor{
		manager:  manager,
		monitor:  monitor,
		watching: map[string]bool{},
	}

	if err := s.syncWatchedContainers(context.Background()); err != nil {
		t.Fatalf("syncWatchedContainers: %v", err)
	}
	if !s.watching["c1"] {
		t.Fatalf("watching = %+v, want c1 tracked", s.watching)
	}

	rt.containers = nil
	if err := s.syncWatchedContainers(context.Background()); err != nil {
		t.Fatalf("syncWatchedContainers (2nd): %v", err)
	}
	if s.watching["c1"] {
		t.Errorf("watching = %+v, want c1 removed once no longer running", s.watching)
	}
}
