package reconciler

import (
	"context"
	"strconv"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/zemfyre/edge-agent/infrastructure/logging"
	"github.com/zemfyre/edge-agent/internal/model"
)

// degradedThreshold is the soft cap on unresolved step retries before a
// service is marked degraded in reports, per spec §7.
const degradedThreshold = 5

// Runtime is the subset of the Docker/Network adapter the reconciler
// depends on. Defined here, implemented by internal/dockeradapter, so
// tests can substitute an in-memory fake (per the "typed watcher
// interface" re-architecture note).
type Runtime interface {
	ListContainers(ctx context.Context, appID int) ([]RuntimeContainer, error)
	ListNetworks(ctx context.Context, appID int) ([]model.Network, error)
	CreateNetwork(ctx context.Context, n model.Network) error
	RemoveNetwork(ctx context.Context, id string) error
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeoutSeconds int) error
	RemoveContainer(ctx context.Context, id string, force bool) error
}

// RuntimeContainer mirrors dockeradapter.ContainerInfo without importing
// the docker client package into this package's dependency graph.
type RuntimeContainer struct {
	ContainerID string
	AppID       int
	ServiceID   int
	Image       string
	Status      model.RuntimeStatus
	CreatedAt   int64
	StartedAt   int64
	Ports       []string
	Environment map[string]string
	Networks    []string
}

// ContainerSpec mirrors dockeradapter.CreateContainerSpec.
type ContainerSpec struct {
	Name     string
	Image    string
	Env      []string
	Ports    []string
	Binds    []string
	Networks []string
	Restart  string
	Command  []string
	Labels   map[string]string
}

// PersistentStore is the subset of internal/store.Store the reconciler
// needs: target/current-state persistence, keyed by device per spec §4.1.
type PersistentStore interface {
	SaveTargetState(model.TargetState) error
	LoadLatestTargetState() (model.TargetState, bool, error)
	SaveCurrentState(model.CurrentState) error
}

// Manager is the Container Manager of spec §4.1. It is safe for
// concurrent use from the poll loop (SetTarget), reconcile loop
// (ApplyTargetState), and report loop (GetCurrentState) — target state
// and the current-state cache are single-writer/multi-reader per spec §5.
type Manager struct {
	mu      sync.RWMutex
	runtime Runtime
	store   PersistentStore
	logger  *logging.Logger

	target   model.TargetState
	hasTarget bool

	attempts map[string]int // serviceKey string -> consecutive unresolved-step count
}

// New constructs a Manager. If store already holds a persisted target
// (a restart, not first boot), it is loaded immediately.
func New(runtime Runtime, store PersistentStore, logger *logging.Logger) *Manager {
	m := &Manager{
		runtime:  runtime,
		store:    store,
		logger:   logger,
		attempts: map[string]int{},
	}
	if ts, ok, err := store.LoadLatestTargetState(); err == nil && ok {
		m.target = ts
		m.hasTarget = true
	}
	return m
}

// SetTarget accepts and persists a new target state. It does not execute
// any steps; call ApplyTargetState (or Reconcile) to converge.
func (m *Manager) SetTarget(ts model.TargetState) error {
	m.mu.Lock()
	m.target = ts
	m.hasTarget = true
	m.mu.Unlock()

	return m.store.SaveTargetState(ts)
}

// snapshotTarget returns the current target under the read lock.
func (m *Manager) snapshotTarget() (model.TargetState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.target, m.hasTarget
}

// GetCurrentState inspects the runtime and returns normalized current
// state. It is materialized on demand, never cached between calls.
func (m *Manager) GetCurrentState(ctx context.Context) (model.CurrentState, error) {
	containers, err := m.runtime.ListContainers(ctx, -1)
	if err != nil {
		return model.CurrentState{}, err
	}

	apps := map[int]model.AppRuntime{}
	for _, c := range containers {
		app := apps[c.AppID]
		app.AppID = c.AppID
		app.Services = append(app.Services, model.ServiceRuntime{
			Service: model.Service{
				ServiceID: c.ServiceID,
				ImageName: c.Image,
				Config: model.ServiceConfig{
					Image:       c.Image,
					Ports:       c.Ports,
					Environment: c.Environment,
					Networks:    c.Networks,
				},
			},
			ContainerID: c.ContainerID,
			Status:      c.Status,
			CreatedAt:   c.CreatedAt,
			StartedAt:   c.StartedAt,
			Degraded:    m.isDegraded(c.AppID, c.ServiceID),
		})
		apps[c.AppID] = app
	}

	cs := model.CurrentState{Apps: apps, Config: map[string]interface{}{}}
	if err := m.store.SaveCurrentState(cs); err != nil {
		m.logger.WithError(err).Warn("persist current state snapshot")
	}
	return cs, nil
}

// ApplyTargetState computes and executes the step plan converging current
// into target. Execution is per-step best-effort: a failing step is
// logged and accumulated into the returned error, but never aborts
// remaining steps except where a later step directly depends on an
// earlier one succeeding (start depends on its own fetch, not on other
// services' steps).
func (m *Manager) ApplyTargetState(ctx context.Context) error {
	target, ok := m.snapshotTarget()
	if !ok {
		return nil
	}

	current, err := m.GetCurrentState(ctx)
	if err != nil {
		return err
	}

	steps := Plan(current, target)
	if len(steps) == 0 {
		return nil
	}

	var result *multierror.Error
	skip := map[string]bool{} // containerID/image that failed a prerequisite step this cycle

	for _, step := range steps {
		if err := m.executeStep(ctx, step, skip); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func (m *Manager) executeStep(ctx context.Context, step model.Step, skip map[string]bool) error {
	switch step.Kind {
	case model.StepCreateNetwork:
		return m.runtime.CreateNetwork(ctx, step.Network)

	case model.StepRemoveNetwork:
		return m.runtime.RemoveNetwork(ctx, step.Network.RuntimeName())

	case model.StepFetch:
		if err := m.runtime.PullImage(ctx, step.Image); err != nil {
			skip[step.Image] = true
			if model.IsTransient(err) {
				m.logger.WithError(err).Warn("transient image pull failure, retrying next cycle")
			} else {
				m.logger.WithError(err).Error("image pull failed")
			}
			return err
		}
		return nil

	case model.StepStartContainer:
		if skip[step.Service.ImageName] {
			m.recordFailure(degradeKey(step.AppID, step.Service.ServiceID))
			return nil // prerequisite fetch failed; don't start with a stale/absent image
		}
		return m.startService(ctx, step.AppID, step.Service)

	case model.StepStopContainer:
		return m.runtime.StopContainer(ctx, step.ContainerID, 10)

	case model.StepRemoveContainer:
		return m.runtime.RemoveContainer(ctx, step.ContainerID, step.Force)

	default:
		return nil
	}
}

func (m *Manager) startService(ctx context.Context, appID int, svc model.Service) error {
	key := degradeKey(appID, svc.ServiceID)

	env := make([]string, 0, len(svc.Config.Environment))
	for k, v := range svc.Config.Environment {
		env = append(env, k+"="+v)
	}

	labels := map[string]string{
		"io.edge-agent.app-id":     strconv.Itoa(appID),
		"io.edge-agent.service-id": strconv.Itoa(svc.ServiceID),
	}

	id, err := m.runtime.CreateContainer(ctx, ContainerSpec{
		Name:     containerName(appID, svc.ServiceID, svc.ServiceName),
		Image:    svc.ImageName,
		Env:      env,
		Ports:    svc.Config.Ports,
		Binds:    svc.Config.Volumes,
		Networks: svc.Config.Networks,
		Restart:  svc.Config.Restart,
		Command:  svc.Config.Command,
		Labels:   labels,
	})
	if err != nil {
		m.recordFailure(key)
		return err
	}

	if err := m.runtime.StartContainer(ctx, id); err != nil {
		m.recordFailure(key)
		return err
	}

	m.clearFailure(key)
	return nil
}

func (m *Manager) recordFailure(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[key]++
}

func (m *Manager) clearFailure(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, key)
}

func (m *Manager) isDegraded(appID, serviceID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts[degradeKey(appID, serviceID)] >= degradedThreshold
}

func degradeKey(appID, serviceID int) string {
	return strconv.Itoa(appID) + "/" + strconv.Itoa(serviceID)
}

func containerName(appID, serviceID int, serviceName string) string {
	return "edge-" + strconv.Itoa(appID) + "-" + strconv.Itoa(serviceID) + "-" + serviceName
}

// Reconcile is the composite setTarget-less convergence cycle: inspect,
// plan, execute. Idempotent — a second call with no intervening target or
// runtime change executes zero steps (spec §8).
func (m *Manager) Reconcile(ctx context.Context) error {
	return m.ApplyTargetState(ctx)
}
