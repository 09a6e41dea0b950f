// Package dockeradapter translates the reconciler's abstract Steps into
// Docker Engine API calls and extracts normalized current state from the
// runtime, per spec §4.2.
package dockeradapter

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/zemfyre/edge-agent/internal/model"
)

// AppIDLabel and ServiceIDLabel mark containers and networks as
// platform-managed, keyed by the App/Service they belong to. The
// reconciler uses these to garbage-collect anything it no longer
// recognizes.
const (
	AppIDLabel     = "io.edge-agent.app-id"
	ServiceIDLabel = "io.edge-agent.service-id"
	ManagedLabel   = "io.edge-agent.managed"
)

// Adapter wraps a Docker Engine client. Every method carries the caller's
// context; there is no adapter-level timeout beyond what the caller sets,
// except image pulls, which spec §5 exempts from a flat timeout in favor
// of periodic progress checks.
type Adapter struct {
	cli *client.Client
}

// New connects using the standard Docker environment (DOCKER_HOST,
// DOCKER_CERT_PATH, …), matching the host's own docker CLI configuration.
func New() (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect to docker runtime: %w", err)
	}
	return &Adapter{cli: cli}, nil
}

// Close releases the underlying client connection.
func (a *Adapter) Close() error {
	return a.cli.Close()
}

// Ping satisfies infrastructure/service health checks: exit code 3 is
// reserved for "runtime adapter unreachable".
func (a *Adapter) Ping(ctx context.Context) error {
	_, err := a.cli.Ping(ctx)
	return err
}

// ListContainers returns containers managed by this agent, optionally
// filtered to one appID (appID < 0 means all apps). Each match is
// inspected individually since the summary list alone doesn't carry
// environment or network attachment detail the reconciler needs for
// config comparison.
func (a *Adapter) ListContainers(ctx context.Context, appID int) ([]ContainerInfo, error) {
	raw, err := a.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filtersWithLabel(ManagedLabel, "true"),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]ContainerInfo, 0, len(raw))
	for _, c := range raw {
		info, err := a.InspectContainer(ctx, c.ID)
		if err != nil {
			continue
		}
		if appID >= 0 && info.AppID != appID {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// ContainerInfo is the normalized subset of runtime state the reconciler
// and current-state extraction need.
type ContainerInfo struct {
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

// InspectContainer returns normalized state for one container, per the
// extraction rules in spec §4.2: ports deduplicated to fully-mapped pairs,
// environment parsed from KEY=VALUE, status always lowercase.
func (a *Adapter) InspectContainer(ctx context.Context, id string) (ContainerInfo, error) {
	raw, err := a.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("inspect container %s: %w", id, err)
	}

	info := ContainerInfo{
		ContainerID: raw.ID,
		Status:      model.RuntimeStatus(strings.ToLower(raw.State.Status)),
		Ports:       extractPorts(raw.NetworkSettings.Ports),
		Environment: extractEnv(raw.Config.Env),
		Networks:    extractNetworks(raw.NetworkSettings.Networks),
	}
	if raw.Config != nil {
		info.Image = raw.Config.Image
		if raw.Config.Labels != nil {
			info.AppID = parseIntLabel(raw.Config.Labels[AppIDLabel])
			info.ServiceID = parseIntLabel(raw.Config.Labels[ServiceIDLabel])
		}
	}
	info.CreatedAt = parseRFC3339Millis(raw.Created)
	if raw.State != nil {
		info.StartedAt = parseRFC3339Millis(raw.State.StartedAt)
	}
	return info, nil
}

func parseRFC3339Millis(raw string) int64 {
	if raw == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

func filtersWithLabel(key, value string) filters.Args {
	f := filters.NewArgs()
	f.Add("label", fmt.Sprintf("%s=%s", key, value))
	return f
}

func parseIntLabel(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}

func extractPorts(bindings nat.PortMap) []string {
	seen := map[string]bool{}
	var out []string
	for containerPort, bindingsForPort := range bindings {
		for _, b := range bindingsForPort {
			if b.HostPort == "" {
				continue
			}
			s := fmt.Sprintf("%s:%s", b.HostPort, containerPort.Port())
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	sort.Strings(out)
	return out
}

func extractEnv(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

func extractNetworks(ns map[string]*network.EndpointSettings) []string {
	out := make([]string, 0, len(ns))
	for name := range ns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CreateContainerSpec is the adapter-level description of a container to
// create, derived from a model.Service.
type CreateContainerSpec struct {
	Name        string
	Image       string
	Env         []string
	Ports       nat.PortMap
	ExposedPorts nat.PortSet
	Binds       []string
	Networks    []string
	Restart     string
	Command     []string
	Labels      map[string]string
}

// CreateContainer creates (without starting) a container.
func (a *Adapter) CreateContainer(ctx context.Context, spec CreateContainerSpec) (string, error) {
	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[ManagedLabel] = "true"

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Cmd:          spec.Command,
		Labels:       labels,
		ExposedPorts: spec.ExposedPorts,
	}
	hostCfg := &container.HostConfig{
		PortBindings:  spec.Ports,
		Binds:         spec.Binds,
		RestartPolicy: restartPolicy(spec.Restart),
	}

	resp, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	for _, netName := range spec.Networks {
		if err := a.cli.NetworkConnect(ctx, netName, resp.ID, nil); err != nil {
			return resp.ID, fmt.Errorf("attach container %s to network %s: %w", spec.Name, netName, err)
		}
	}

	return resp.ID, nil
}

func restartPolicy(policy string) container.RestartPolicy {
	switch policy {
	case "", "no":
		return container.RestartPolicy{}
	default:
		return container.RestartPolicy{Name: container.RestartPolicyMode(policy)}
	}
}

// StartContainer starts a previously created container.
func (a *Adapter) StartContainer(ctx context.Context, id string) error {
	if err := a.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

// StopContainer stops a running container, waiting up to timeoutSeconds
// before forcing termination.
func (a *Adapter) StopContainer(ctx context.Context, id string, timeoutSeconds int) error {
	timeout := timeoutSeconds
	if err := a.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

// RemoveContainer removes a stopped container.
func (a *Adapter) RemoveContainer(ctx context.Context, id string, force bool) error {
	if err := a.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

// PullImage pulls ref, draining the progress stream. Per spec §5 this call
// carries no flat timeout; callers that want one should wrap ctx
// themselves and rely on periodic progress rather than a hard cutoff.
func (a *Adapter) PullImage(ctx context.Context, ref string) error {
	rc, err := a.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()

	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

// ListNetworks returns platform-managed networks, optionally filtered to
// one appID (appID < 0 means all apps).
func (a *Adapter) ListNetworks(ctx context.Context, appID int) ([]model.Network, error) {
	raw, err := a.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}

	var out []model.Network
	for _, n := range raw {
		if n.Labels[ManagedLabel] != "true" {
			continue
		}
		id := parseIntLabel(n.Labels[AppIDLabel])
		if appID >= 0 && id != appID {
			continue
		}
		out = append(out, model.Network{AppID: id, Name: strings.TrimPrefix(n.Name, strconv.Itoa(id)+"_")})
	}
	return out, nil
}

// CreateNetwork creates a platform-managed bridge network.
func (a *Adapter) CreateNetwork(ctx context.Context, n model.Network) error {
	_, err := a.cli.NetworkCreate(ctx, n.RuntimeName(), network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{
			ManagedLabel: "true",
			AppIDLabel:   strconv.Itoa(n.AppID),
		},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", n.RuntimeName(), err)
	}
	return nil
}

// RemoveNetwork removes a network by its runtime name or ID.
func (a *Adapter) RemoveNetwork(ctx context.Context, id string) error {
	if err := a.cli.NetworkRemove(ctx, id); err != nil {
		return fmt.Errorf("remove network %s: %w", id, err)
	}
	return nil
}
