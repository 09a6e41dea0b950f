package reconciler

import (
	"context"
	"testing"

	"github.com/zemfyre/edge-agent/infrastructure/logging"
	"github.com/zemfyre/edge-agent/internal/model"
)

type fakeRuntime struct {
	containers    []RuntimeContainer
	pullErr       error
	createErr     error
	createCalls   int
	startCalls    int
	stopCalls     int
	removeCalls   int
	createNetCalls int
	removeNetCalls int
}

func (f *fakeRuntime) ListContainers(ctx context.Context, appID int) ([]RuntimeContainer, error) {
	return f.containers, nil
}
func (f *fakeRuntime) ListNetworks(ctx context.Context, appID int) ([]model.Network, error) {
	return nil, nil
}
func (f *fakeRuntime) CreateNetwork(ctx context.Context, n model.Network) error {
	f.createNetCalls++
	return nil
}
func (f *fakeRuntime) RemoveNetwork(ctx context.Context, id string) error {
	f.removeNetCalls++
	return nil
}
func (f *fakeRuntime) PullImage(ctx context.Context, ref string) error {
	return f.pullErr
}
func (f *fakeRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	return "new-container", nil
}
func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error {
	f.startCalls++
	return nil
}
func (f *fakeRuntime) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	f.stopCalls++
	return nil
}
func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string, force bool) error {
	f.removeCalls++
	return nil
}

type fakeStore struct {
	saved      model.TargetState
	current    model.CurrentState
	hasSaved   bool
}

func (f *fakeStore) SaveTargetState(ts model.TargetState) error {
	f.saved = ts
	f.hasSaved = true
	return nil
}
func (f *fakeStore) LoadLatestTargetState() (model.TargetState, bool, error) {
	return f.saved, f.hasSaved, nil
}
func (f *fakeStore) SaveCurrentState(cs model.CurrentState) error {
	f.current = cs
	return nil
}

func testLogger() *logging.Logger {
	return logging.NewFromEnv("reconciler-test")
}

func TestManagerDeploysNewService(t *testing.T) {
	rt := &fakeRuntime{}
	st := &fakeStore{}
	m := New(rt, st, testLogger())

	if err := m.SetTarget(nginxTarget()); err != nil {
		t.Fatalf("SetTarget() error = %v", err)
	}
	if err := m.ApplyTargetState(context.Background()); err != nil {
		t.Fatalf("ApplyTargetState() error = %v", err)
	}

	if rt.createCalls != 1 || rt.startCalls != 1 {
		t.Errorf("create=%d start=%d, want 1/1", rt.createCalls, rt.startCalls)
	}
}

func TestManagerIdempotentSecondApply(t *testing.T) {
	rt := &fakeRuntime{}
	st := &fakeStore{}
	m := New(rt, st, testLogger())
	m.SetTarget(nginxTarget())

	m.ApplyTargetState(context.Background())

	// Simulate the runtime now reporting the container that was created.
	rt.containers = []RuntimeContainer{
		{
			ContainerID: "new-container",
			AppID:       1001,
			ServiceID:   1,
			Image:       "nginx@sha256:aaa",
			Status:      model.StatusRunning,
			Ports:       []string{"80:80"},
		},
	}

	rt.createCalls, rt.startCalls = 0, 0
	if err := m.ApplyTargetState(context.Background()); err != nil {
		t.Fatalf("second ApplyTargetState() error = %v", err)
	}
	if rt.createCalls != 0 || rt.startCalls != 0 {
		t.Errorf("second apply executed steps: create=%d start=%d, want 0/0", rt.createCalls, rt.startCalls)
	}
}

func TestManagerTransientFetchFailureSkipsStart(t *testing.T) {
	rt := &fakeRuntime{pullErr: transientErr{}}
	st := &fakeStore{}
	m := New(rt, st, testLogger())
	m.SetTarget(nginxTarget())

	err := m.ApplyTargetState(context.Background())
	if err == nil {
		t.Fatal("ApplyTargetState() error = nil, want pull failure surfaced")
	}
	if rt.startCalls != 0 {
		t.Errorf("startCalls = %d, want 0 after failed fetch", rt.startCalls)
	}
}

type transientErr struct{}

func (transientErr) Error() string  { return "registry rate limited" }
func (transientErr) Transient() bool { return true }

func TestManagerNoTargetIsNoOp(t *testing.T) {
	rt := &fakeRuntime{}
	st := &fakeStore{}
	m := New(rt, st, testLogger())

	if err := m.ApplyTargetState(context.Background()); err != nil {
		t.Fatalf("ApplyTargetState() with no target error = %v", err)
	}
	if rt.createCalls != 0 {
		t.Errorf("createCalls = %d, want 0 with no target set", rt.createCalls)
	}
}

func TestManagerGetCurrentStatePersistsSnapshot(t *testing.T) {
	rt := &fakeRuntime{containers: []RuntimeContainer{
		{ContainerID: "c1", AppID: 1, ServiceID: 1, Status: model.StatusRunning},
	}}
	st := &fakeStore{}
	m := New(rt, st, testLogger())

	cs, err := m.GetCurrentState(context.Background())
	if err != nil {
		t.Fatalf("GetCurrentState() error = %v", err)
	}
	if len(cs.Apps[1].Services) != 1 {
		t.Fatalf("CurrentState apps = %+v", cs.Apps)
	}
	if len(st.current.Apps) != 1 {
		t.Error("GetCurrentState() did not persist snapshot via store")
	}
}
