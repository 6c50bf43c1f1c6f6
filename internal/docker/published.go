package docker

import (
	"context"
	"fmt"
	"net/netip"
	"slices"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
)

// binding is one host-side port publication, reduced to what the probe
// needs from the Docker API's port summary.
type binding struct {
	IP    string
	Port  int
	Proto string
}

// Prober vetoes ports that running containers publish on the host. It
// satisfies the allocator's Prober interface.
type Prober struct {
	cli *Client

	// label optionally restricts the containers considered, using the
	// Docker "label" filter syntax ("key" or "key=value").
	label string
}

// NewProber creates a Prober over cli. label may be empty.
func NewProber(cli *Client, label string) *Prober {
	return &Prober{cli: cli, label: label}
}

// Name implements the allocator's Prober interface.
func (p *Prober) Name() string {
	return "docker"
}

// FirstAvailable returns the first candidate that no running container
// publishes over TCP.
func (p *Prober) FirstAvailable(ctx context.Context, candidates []int) (int, bool, error) {
	published, err := p.PublishedPorts(ctx)
	if err != nil {
		return 0, false, err
	}
	port, ok := firstUnpublished(candidates, published)
	return port, ok, nil
}

// PublishedPorts returns the sorted, de-duplicated host ports that running
// containers publish over TCP.
func (p *Prober) PublishedPorts(ctx context.Context) ([]int, error) {
	args := filters.NewArgs(filters.Arg("status", "running"))
	if p.label != "" {
		args.Add("label", p.label)
	}

	// Server-side filtering keeps stopped containers out of the result.
	containers, err := p.cli.Inner().ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list running containers: %w", err)
	}

	var all []binding
	for _, c := range containers {
		all = append(all, bindingsOf(c)...)
	}
	return tcpHostPorts(all), nil
}

// bindingsOf extracts the host-side publications of one container. Ports
// that are exposed but not published have PublicPort 0 and are dropped.
func bindingsOf(c types.Container) []binding {
	out := make([]binding, 0, len(c.Ports))
	for _, p := range c.Ports {
		if p.PublicPort == 0 {
			continue
		}
		out = append(out, binding{IP: p.IP, Port: int(p.PublicPort), Proto: p.Type})
	}
	return out
}

// tcpHostPorts keeps TCP publications and returns their ports sorted and
// unique. Docker reports an IPv4 and an IPv6 entry for the same publication;
// both collapse to one port. A publication on any address counts, since the
// caller may bind on all interfaces.
func tcpHostPorts(bindings []binding) []int {
	ports := make([]int, 0, len(bindings))
	for _, b := range bindings {
		if b.Proto != "" && b.Proto != "tcp" {
			continue
		}
		if b.IP != "" {
			if _, err := netip.ParseAddr(b.IP); err != nil {
				continue
			}
		}
		ports = append(ports, b.Port)
	}
	slices.Sort(ports)
	return slices.Compact(ports)
}

// firstUnpublished returns the first candidate not in the sorted published
// list.
func firstUnpublished(candidates, published []int) (int, bool) {
	for _, c := range candidates {
		if _, found := slices.BinarySearch(published, c); !found {
			return c, true
		}
	}
	return 0, false
}
