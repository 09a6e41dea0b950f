package reconciler

import (
	"context"

	"github.com/docker/go-connections/nat"

	"github.com/zemfyre/edge-agent/internal/dockeradapter"
	"github.com/zemfyre/edge-agent/internal/model"
)

// DockerRuntime adapts *dockeradapter.Adapter to the Runtime interface,
// translating between the adapter's Docker-flavored types and the
// reconciler's runtime-agnostic ones.
type DockerRuntime struct {
	Adapter *dockeradapter.Adapter
}

func (d DockerRuntime) ListContainers(ctx context.Context, appID int) ([]RuntimeContainer, error) {
	containers, err := d.Adapter.ListContainers(ctx, appID)
	if err != nil {
		return nil, err
	}
	out := make([]RuntimeContainer, len(containers))
	for i, c := range containers {
		out[i] = RuntimeContainer{
			ContainerID: c.ContainerID,
			AppID:       c.AppID,
			ServiceID:   c.ServiceID,
			Image:       c.Image,
			Status:      c.Status,
			CreatedAt:   c.CreatedAt,
			StartedAt:   c.StartedAt,
			Ports:       c.Ports,
			Environment: c.Environment,
			Networks:    c.Networks,
		}
	}
	return out, nil
}

func (d DockerRuntime) ListNetworks(ctx context.Context, appID int) ([]model.Network, error) {
	return d.Adapter.ListNetworks(ctx, appID)
}

func (d DockerRuntime) CreateNetwork(ctx context.Context, n model.Network) error {
	return d.Adapter.CreateNetwork(ctx, n)
}

func (d DockerRuntime) RemoveNetwork(ctx context.Context, id string) error {
	return d.Adapter.RemoveNetwork(ctx, id)
}

func (d DockerRuntime) PullImage(ctx context.Context, ref string) error {
	return d.Adapter.PullImage(ctx, ref)
}

func (d DockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	ports := nat.PortMap{}
	exposed := nat.PortSet{}
	for _, p := range spec.Ports {
		hostPort, containerPort, ok := splitHostContainerPort(p)
		if !ok {
			continue
		}
		np, err := nat.NewPort("tcp", containerPort)
		if err != nil {
			continue
		}
		ports[np] = append(ports[np], nat.PortBinding{HostPort: hostPort})
		exposed[np] = struct{}{}
	}

	return d.Adapter.CreateContainer(ctx, dockeradapter.CreateContainerSpec{
		Name:         spec.Name,
		Image:        spec.Image,
		Env:          spec.Env,
		Ports:        ports,
		ExposedPorts: exposed,
		Binds:        spec.Binds,
		Networks:     spec.Networks,
		Restart:      spec.Restart,
		Command:      spec.Command,
		Labels:       spec.Labels,
	})
}

func (d DockerRuntime) StartContainer(ctx context.Context, id string) error {
	return d.Adapter.StartContainer(ctx, id)
}

func (d DockerRuntime) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	return d.Adapter.StopContainer(ctx, id, timeoutSeconds)
}

func (d DockerRuntime) RemoveContainer(ctx context.Context, id string, force bool) error {
	return d.Adapter.RemoveContainer(ctx, id, force)
}

func splitHostContainerPort(raw string) (host, container string, ok bool) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == ':' {
			return raw[:i], raw[i+1:], true
		}
	}
	return "", "", false
}

var _ Runtime = DockerRuntime{}
