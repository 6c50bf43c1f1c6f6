package docker

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/docker/docker/client"

	"github.com/mmr-tortoise/dynport/internal/model"
)

// pingTimeout bounds Ping. A paused Docker Desktop accepts the connection
// and never answers.
const pingTimeout = 5 * time.Second

// windowsPipe is the Docker Engine named pipe on Windows.
const windowsPipe = `//./pipe/docker_engine`

// Client is a Docker Engine API client bound to one daemon address.
type Client struct {
	inner *client.Client
}

// NewClient connects to the Docker daemon at host. An empty host falls back
// to DOCKER_HOST, then to the first platform socket that exists:
//
//	linux:   /var/run/docker.sock
//	darwin:  /var/run/docker.sock, ~/.docker/run/docker.sock
//	windows: npipe:////./pipe/docker_engine
//
// No connection is made; call Ping to check the daemon. Failures are
// model.CLIErrors with ExitDockerUnavailable.
func NewClient(host string) (*Client, error) {
	if host == "" {
		host = os.Getenv("DOCKER_HOST")
	}
	if host == "" {
		detected, err := detectDockerHost()
		if err != nil {
			return nil, model.WrapCLIError(model.ExitDockerUnavailable, "Docker socket not found", err)
		}
		host = detected
	}

	c, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitDockerUnavailable,
			fmt.Sprintf("failed to create Docker client for %q", host), err)
	}
	return &Client{inner: c}, nil
}

func detectDockerHost() (string, error) {
	if runtime.GOOS == "windows" {
		// Named pipes cannot be stat'ed; dial briefly instead.
		conn, err := net.DialTimeout("pipe", windowsPipe, time.Second)
		if err != nil {
			return "", fmt.Errorf("Docker named pipe %s: %w", windowsPipe, err)
		}
		_ = conn.Close()
		return "npipe://" + windowsPipe, nil
	}

	home, _ := os.UserHomeDir()
	candidates := socketCandidates(runtime.GOOS, home)
	if len(candidates) == 0 {
		return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	return detectUnixSocket(candidates)
}

// socketCandidates lists the Unix socket paths to try on goos, most
// preferred first.
func socketCandidates(goos, home string) []string {
	switch goos {
	case "linux":
		return []string{"/var/run/docker.sock"}
	case "darwin":
		paths := []string{"/var/run/docker.sock"}
		if home != "" {
			paths = append(paths, filepath.Join(home, ".docker", "run", "docker.sock"))
		}
		return paths
	default:
		return nil
	}
}

// detectUnixSocket returns the host URI of the first path that exists. A
// present socket file does not mean a daemon is listening; Ping checks that.
func detectUnixSocket(paths []string) (string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return "unix://" + path, nil
		}
	}
	return "", fmt.Errorf("Docker socket not found at any of %v; is Docker running?", paths)
}

// Ping checks that the daemon answers within pingTimeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if _, err := c.inner.Ping(ctx); err != nil {
		return model.WrapCLIError(model.ExitDockerUnavailable,
			"Docker daemon is not responding; is Docker running?", err)
	}
	return nil
}

// Close releases the client's connections. Safe to call more than once.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Inner returns the underlying SDK client.
func (c *Client) Inner() *client.Client {
	return c.inner
}

// DaemonHost returns the address the client talks to.
func (c *Client) DaemonHost() string {
	return c.inner.DaemonHost()
}
