package port

import (
	"context"
	"net"
	"strconv"
)

// Scanner is the host occupancy probe. It asks the operating system whether
// a port can be bound, which catches listeners that were started without
// going through dynport (a local database, a stale dev server).
//
// The bind test is the same check the caller will perform moments later, so
// it is the most faithful answer available without elevated permissions.
// It is still advisory: a port can be taken between the probe and the
// caller's own bind.
type Scanner struct {
	// host is the address binds are attempted on. Empty means all
	// interfaces, which matches how most services publish.
	host string
}

// NewScanner creates a Scanner that binds on host ("" for all interfaces).
func NewScanner(host string) *Scanner {
	return &Scanner{host: host}
}

// Name implements Prober.
func (s *Scanner) Name() string {
	return "host"
}

// IsPortAvailable reports whether port can be bound for protocol ("tcp" or
// "udp"). Unknown protocols are reported unavailable.
func (s *Scanner) IsPortAvailable(ctx context.Context, port int, protocol string) bool {
	addr := net.JoinHostPort(s.host, strconv.Itoa(port))
	var lc net.ListenConfig

	switch protocol {
	case "tcp":
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return false
		}
		_ = ln.Close()
		return true

	case "udp":
		conn, err := lc.ListenPacket(ctx, "udp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true

	default:
		return false
	}
}

// FirstAvailable implements Prober by returning the first candidate that
// can be bound over TCP. It stops early with ctx's error when ctx is done.
func (s *Scanner) FirstAvailable(ctx context.Context, candidates []int) (int, bool, error) {
	for _, port := range candidates {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		if s.IsPortAvailable(ctx, port, "tcp") {
			return port, true, nil
		}
	}
	return 0, false, nil
}

// Occupied returns the candidates that cannot be bound over TCP, in input
// order. The CLI uses it to show which free ports are taken by processes
// dynport does not know about.
func (s *Scanner) Occupied(ctx context.Context, candidates []int) ([]int, error) {
	var used []int
	for _, port := range candidates {
		if err := ctx.Err(); err != nil {
			return used, err
		}
		if !s.IsPortAvailable(ctx, port, "tcp") {
			used = append(used, port)
		}
	}
	return used, nil
}
