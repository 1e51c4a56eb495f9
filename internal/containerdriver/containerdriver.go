// Package containerdriver provisions and manages the Docker side-cars that
// back each bot: OneBot implementations (napcat), shared databases, and
// transient volume-init/ffmpeg jobs. It talks to the Docker Engine API
// directly through the official client package rather than shelling out to
// the docker CLI, the way vasic-digital-SuperAgent's adapter layer models
// Docker resources as typed Container/Image/Network/Volume values instead
// of raw CLI output.
package containerdriver

import (
	"context"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	cerrdefs "github.com/containerd/errdefs"

	"github.com/nbot/orchestrator/internal/nberr"
)

// ManagedLabel marks every container this driver creates so ps_all can
// distinguish orchestrator-owned containers from unrelated ones on the host.
const ManagedLabel = "nbot.managed"

// Driver wraps a Docker Engine API client with the orchestrator's
// provisioning operations.
type Driver struct {
	cli *client.Client
}

// New creates a Driver using the ambient Docker environment (DOCKER_HOST,
// TLS certs, etc.), matching the standard client.NewClientWithOpts(
// client.FromEnv) bootstrap.
func New() (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, nberr.Wrap(nberr.Fatal, "create docker client", err)
	}
	return &Driver{cli: cli}, nil
}

// EnsureNetwork creates the named bridge network if it doesn't already exist.
func (d *Driver) EnsureNetwork(ctx context.Context, name string) error {
	networks, err := d.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return nberr.Wrap(nberr.Transport, "list networks", err)
	}
	for _, n := range networks {
		if n.Name == name {
			return nil
		}
	}
	_, err = d.cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return nberr.Wrap(nberr.Transport, "create network "+name, err)
	}
	return nil
}

// EnsureVolume creates the named volume if it doesn't already exist,
// reporting whether it was already present.
func (d *Driver) EnsureVolume(ctx context.Context, name string) (bool, error) {
	_, err := d.cli.VolumeInspect(ctx, name)
	if err == nil {
		return true, nil
	}
	_, err = d.cli.VolumeCreate(ctx, volume.CreateOptions{Name: name})
	if err != nil {
		return false, nberr.Wrap(nberr.Transport, "create volume "+name, err)
	}
	return false, nil
}

// VolumeRemove removes the named volume. force controls whether in-use
// volumes are forcibly removed.
func (d *Driver) VolumeRemove(ctx context.Context, name string, force bool) error {
	if err := d.cli.VolumeRemove(ctx, name, force); err != nil {
		return nberr.Wrap(nberr.Transport, "remove volume "+name, err)
	}
	return nil
}

// ImageSize returns the size in bytes of a locally present image, or
// nberr.NotFound if it hasn't been pulled yet.
func (d *Driver) ImageSize(ctx context.Context, ref string) (int64, error) {
	inspect, err := d.cli.ImageInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return 0, nberr.New(nberr.NotFound, "image not present: "+ref)
		}
		return 0, nberr.Wrap(nberr.Transport, "inspect image "+ref, err)
	}
	return inspect.Size, nil
}

// Pull pulls ref, distinguishing an auth failure (bad registry credentials)
// from a generic transport failure so callers can surface the right error
// to the bot owner.
func (d *Driver) Pull(ctx context.Context, ref string, registryAuth string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: registryAuth})
	if err != nil {
		if cerrdefs.IsUnauthorized(err) {
			return nberr.Wrap(nberr.AuthFailure, "pull "+ref, err)
		}
		return nberr.Wrap(nberr.Transport, "pull "+ref, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return nberr.Wrap(nberr.Transport, "stream pull "+ref, err)
	}
	return nil
}

// RunSpec describes a container to start.
type RunSpec struct {
	Image       string
	Name        string
	Env         []string
	Binds       []string // "volume:/container/path" or "host:/container/path"
	NetworkName string
	Labels      map[string]string
	PortBinds   map[string]string // "containerPort/tcp" -> "hostPort" ("" = auto-assign)
	Cmd         []string
}

// Run creates and starts a container per spec, stamping it with the
// orchestrator's management labels (nbot.managed=true, nbot.kind,
// nbot.bot_id) so ps_all can enumerate owned containers.
func (d *Driver) Run(ctx context.Context, spec RunSpec) (string, error) {
	labels := map[string]string{ManagedLabel: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	exposed, bindings, err := buildPortConfig(spec.PortBinds)
	if err != nil {
		return "", nberr.Wrap(nberr.BadRequest, "build port config", err)
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       labels,
		Cmd:          spec.Cmd,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		Binds:        spec.Binds,
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}
	netCfg := &network.NetworkingConfig{}
	if spec.NetworkName != "" {
		netCfg.EndpointsConfig = map[string]*network.EndpointSettings{
			spec.NetworkName: {},
		}
	}

	created, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", nberr.Wrap(nberr.Transport, "create container "+spec.Name, err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", nberr.Wrap(nberr.Transport, "start container "+created.ID, err)
	}
	return created.ID, nil
}

// PublishedPort polls the container's published host port for
// containerPort/proto, returning it once Docker has assigned one. It polls
// up to 20 times at 50ms intervals (~1s total).
func (d *Driver) PublishedPort(ctx context.Context, containerID, containerPort, proto string) (string, error) {
	key := containerPort + "/" + proto
	for i := 0; i < 20; i++ {
		inspect, err := d.cli.ContainerInspect(ctx, containerID)
		if err != nil {
			return "", nberr.Wrap(nberr.Transport, "inspect container "+containerID, err)
		}
		if bindings, ok := inspect.NetworkSettings.Ports[portKey(key)]; ok && len(bindings) > 0 {
			return bindings[0].HostPort, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return "", nberr.New(nberr.Transport, "container "+containerID+" never published "+key)
}

// Stop stops a container, giving it up to 10 seconds to exit gracefully.
func (d *Driver) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return nberr.Wrap(nberr.Transport, "stop container "+containerID, err)
	}
	return nil
}

// Remove deletes a stopped container, optionally removing its volumes too.
func (d *Driver) Remove(ctx context.Context, containerID string, removeVolumes bool) error {
	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{RemoveVolumes: removeVolumes, Force: true}); err != nil {
		return nberr.Wrap(nberr.Transport, "remove container "+containerID, err)
	}
	return nil
}

// ManagedContainer is a trimmed projection of container.Summary for callers
// that only need identity and lifecycle fields.
type ManagedContainer struct {
	ID     string
	Names  []string
	Image  string
	State  string
	Status string
	Labels map[string]string
}

// PsAll lists every container the orchestrator manages (nbot.managed=true),
// running or not.
func (d *Driver) PsAll(ctx context.Context) ([]ManagedContainer, error) {
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, nberr.Wrap(nberr.Transport, "list containers", err)
	}
	out := make([]ManagedContainer, 0, len(summaries))
	for _, s := range summaries {
		if s.Labels[ManagedLabel] != "true" {
			continue
		}
		out = append(out, ManagedContainer{
			ID:     s.ID,
			Names:  s.Names,
			Image:  s.Image,
			State:  s.State,
			Status: s.Status,
			Labels: s.Labels,
		})
	}
	return out, nil
}

func portKey(s string) nat.Port {
	return nat.Port(s)
}

func buildPortConfig(portBinds map[string]string) (nat.PortSet, nat.PortMap, error) {
	exposed := make(nat.PortSet, len(portBinds))
	bindings := make(nat.PortMap, len(portBinds))
	for containerPort, hostPort := range portBinds {
		p := nat.Port(containerPort)
		exposed[p] = struct{}{}
		binding := nat.PortBinding{HostIP: "0.0.0.0"}
		if hostPort != "" {
			binding.HostPort = hostPort
		}
		bindings[p] = []nat.PortBinding{binding}
	}
	return exposed, bindings, nil
}
