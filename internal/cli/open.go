package cli

import (
	"context"
	"fmt"

	"github.com/mmr-tortoise/dynport/internal/config"
	"github.com/mmr-tortoise/dynport/internal/docker"
	"github.com/mmr-tortoise/dynport/internal/logging"
	"github.com/mmr-tortoise/dynport/internal/model"
	"github.com/mmr-tortoise/dynport/internal/port"
)

// session is an open allocator plus whatever the probe needs closed.
type session struct {
	alloc   *port.Allocator
	closers []func()
}

// Close stops the allocator and releases probe resources.
func (s *session) Close() error {
	err := s.alloc.Stop()
	for _, c := range s.closers {
		c()
	}
	return err
}

// openOneShot opens an allocator for a single CLI command. It never refreshes
// in the background and keeps a picked port allocated after exit, since the
// port is meant for another process.
func openOneShot(ctx context.Context, cfg config.Config) (*session, error) {
	return openSession(ctx, cfg, func(o *port.Options) {
		o.RetainOnStop = true
		o.RefreshInterval = -1
	})
}

// openSession builds the probe and the allocator described by cfg.
func openSession(ctx context.Context, cfg config.Config, mutate ...func(*port.Options)) (*session, error) {
	s := &session{}

	prober, closeProbe, err := newProber(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closeProbe != nil {
		s.closers = append(s.closers, closeProbe)
	}

	sl := logging.NewStateLogger(logger,
		logging.WithBackground(cfg.Log.Refresh),
		logging.WithThrottle(cfg.Log.Throttle),
	)
	opts := cfg.AllocatorOptions(sl, prober)
	for _, m := range mutate {
		m(&opts)
	}

	a, err := port.New(opts)
	if err != nil {
		for _, c := range s.closers {
			c()
		}
		return nil, model.WrapCLIError(model.ExitCodeFor(err), "failed to open allocator", err)
	}
	s.alloc = a
	VerboseLog("allocator open on %s", cfg.StatePath)
	return s, nil
}

// newProber returns the probe selected by cfg.Probe, or nil for none. The
// returned func, when non-nil, releases the probe's resources.
func newProber(ctx context.Context, cfg config.Config) (port.Prober, func(), error) {
	switch cfg.Probe {
	case config.ProbeHost:
		return port.NewScanner(""), nil, nil
	case config.ProbeDocker:
		cli, err := docker.NewClient(cfg.DockerHost)
		if err != nil {
			return nil, nil, err
		}
		if err := cli.Ping(ctx); err != nil {
			_ = cli.Close()
			return nil, nil, err
		}
		VerboseLog("docker probe connected to %s", cli.DaemonHost())
		return docker.NewProber(cli, cfg.DockerLabel), func() { _ = cli.Close() }, nil
	case config.ProbeNone, "":
		return nil, nil, nil
	default:
		return nil, nil, model.NewCLIError(model.ExitInvalidConfig, fmt.Sprintf("unknown probe %q", cfg.Probe))
	}
}

// asCLIError wraps an allocator error with the matching exit code.
func asCLIError(message string, err error) error {
	if err == nil {
		return nil
	}
	return model.WrapCLIError(model.ExitCodeFor(err), message, err)
}
