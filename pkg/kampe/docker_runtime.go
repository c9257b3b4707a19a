package kampe

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/tlsconfig"
)

// serviceLabel is set by swarm on every container of a service.
const serviceLabel = "com.docker.swarm.service.name"

// engine is the slice of the Docker Engine API the swarm handle uses.
type engine interface {
	SwarmInit(ctx context.Context, advertiseAddr string) error
	SwarmLeave(ctx context.Context) error
	CreateService(ctx context.Context, spec swarm.ServiceSpec) (string, error)
	RemoveService(ctx context.Context, serviceID string) error
	ServiceLogs(ctx context.Context, serviceID string) (io.ReadCloser, error)
	Tasks(ctx context.Context, serviceName string) ([]swarm.Task, error)
	Stats(ctx context.Context, containerID string) (container.StatsResponse, error)
	ContainerSize(ctx context.Context, containerID string) (sizeRw int64, found bool, err error)
	ServiceContainers(ctx context.Context, serviceName string) ([]string, error)
	RemoveContainer(ctx context.Context, containerID string) error
	KillContainer(ctx context.Context, containerID, signal string) error
}

// DockerOptions select and secure the engine endpoint.
type DockerOptions struct {
	Host    string // e.g. unix:///var/run/docker.sock or tcp://host:2376; empty uses DOCKER_HOST
	TLSCA   string
	TLSCert string
	TLSKey  string
}

// NewDockerClient creates a Docker client and verifies the connection.
func NewDockerClient(ctx context.Context, opts DockerOptions) (*client.Client, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	if opts.TLSCert != "" || opts.TLSCA != "" {
		tlsCfg, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:   opts.TLSCA,
			CertFile: opts.TLSCert,
			KeyFile:  opts.TLSKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load docker tls config: %w", err)
		}
		clientOpts = append(clientOpts, client.WithHTTPClient(tlsHTTPClient(tlsCfg)))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	// Verify connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}
	return cli, nil
}

func tlsHTTPClient(cfg *tls.Config) *http.Client {
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: cfg},
	}
}

// dockerEngine implements engine over the Docker SDK client.
type dockerEngine struct {
	client *client.Client
}

func (d *dockerEngine) SwarmInit(ctx context.Context, advertiseAddr string) error {
	_, err := d.client.SwarmInit(ctx, swarm.InitRequest{
		ListenAddr:    "0.0.0.0:2377",
		AdvertiseAddr: advertiseAddr,
	})
	return err
}

func (d *dockerEngine) SwarmLeave(ctx context.Context) error {
	// Manager nodes must be forced out.
	err := d.client.SwarmLeave(ctx, true)
	if err != nil && strings.Contains(err.Error(), "not part of a swarm") {
		return nil
	}
	return err
}

func (d *dockerEngine) CreateService(ctx context.Context, spec swarm.ServiceSpec) (string, error) {
	resp, err := d.client.ServiceCreate(ctx, spec, swarm.ServiceCreateOptions{})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (d *dockerEngine) RemoveService(ctx context.Context, serviceID string) error {
	err := d.client.ServiceRemove(ctx, serviceID)
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}

func (d *dockerEngine) ServiceLogs(ctx context.Context, serviceID string) (io.ReadCloser, error) {
	return d.client.ServiceLogs(ctx, serviceID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
}

func (d *dockerEngine) Tasks(ctx context.Context, serviceName string) ([]swarm.Task, error) {
	return d.client.TaskList(ctx, swarm.TaskListOptions{
		Filters: filters.NewArgs(filters.Arg("service", serviceName)),
	})
}

func (d *dockerEngine) Stats(ctx context.Context, containerID string) (container.StatsResponse, error) {
	var stats container.StatsResponse

	resp, err := d.client.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return stats, ErrStaleReference
		}
		return stats, fmt.Errorf("failed to fetch container stats: %w", err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return stats, fmt.Errorf("failed to decode container stats: %w", err)
	}
	return stats, nil
}

func (d *dockerEngine) ContainerSize(ctx context.Context, containerID string) (int64, bool, error) {
	du, err := d.client.DiskUsage(ctx, types.DiskUsageOptions{
		Types: []types.DiskUsageObject{types.ContainerObject},
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to fetch disk usage: %w", err)
	}
	for _, c := range du.Containers {
		if c != nil && c.ID == containerID {
			return c.SizeRw, true, nil
		}
	}
	return 0, false, nil
}

func (d *dockerEngine) ServiceContainers(ctx context.Context, serviceName string) ([]string, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", serviceLabel+"="+serviceName)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list service containers: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (d *dockerEngine) RemoveContainer(ctx context.Context, containerID string) error {
	err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}

func (d *dockerEngine) KillContainer(ctx context.Context, containerID, signal string) error {
	err := d.client.ContainerKill(ctx, containerID, signal)
	if client.IsErrNotFound(err) {
		return nil
	}
	return err
}

var _ engine = (*dockerEngine)(nil)
