// Package config loads dynport's configuration.
//
// Values are layered, later layers winning:
//
//	defaults < config file < environment < command-line flags
//
// The config file may be YAML (.yaml, .yml) or JSON with comments (.json,
// .jsonc). JSONC is reduced to plain JSON with github.com/tidwall/jsonc and
// then decoded by gopkg.in/yaml.v3 like a YAML file, so both formats share
// one set of keys and accept duration strings such as "90s".
//
// Flags are applied by the CLI after Load returns; this package only covers
// the first three layers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/dynport/internal/logging"
	"github.com/mmr-tortoise/dynport/internal/model"
	"github.com/mmr-tortoise/dynport/internal/port"
)

// Probe names accepted by the probe setting.
const (
	ProbeNone   = "none"
	ProbeHost   = "host"
	ProbeDocker = "docker"
)

// Config is the complete dynport configuration.
type Config struct {
	// Range is the inclusive port range handed out.
	Range Range `yaml:"range" json:"range"`

	// StatePath is the shared state file.
	StatePath string `yaml:"state_path" json:"state_path"`

	// RefreshInterval is the background refresh period of long-running
	// allocators (the serve command).
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval"`

	// HistoryMax bounds the pick history; zero disables it.
	HistoryMax int `yaml:"history_max" json:"history_max"`

	// LockTimeout bounds every lock acquisition.
	LockTimeout time.Duration `yaml:"lock_timeout" json:"lock_timeout"`

	// BackupKeep bounds the number of regular backups; zero keeps all.
	BackupKeep int `yaml:"backup_keep" json:"backup_keep"`

	// Probe selects the occupancy probe: none, host or docker.
	Probe string `yaml:"probe" json:"probe"`

	// DockerHost is the daemon address for the docker probe. Empty falls
	// back to DOCKER_HOST and then to the platform socket.
	DockerHost string `yaml:"docker_host" json:"docker_host"`

	// DockerLabel restricts the docker probe to containers carrying this
	// label ("key" or "key=value").
	DockerLabel string `yaml:"docker_label" json:"docker_label"`

	// RetainOnStop keeps the held port allocated when a long-running
	// allocator stops.
	RetainOnStop bool `yaml:"retain_on_stop" json:"retain_on_stop"`

	Log    Log    `yaml:"log" json:"log"`
	Server Server `yaml:"server" json:"server"`
}

// Range is an inclusive port range.
type Range struct {
	Start int `yaml:"start" json:"start"`
	End   int `yaml:"end" json:"end"`
}

// Log configures logging.
type Log struct {
	// Level is a zerolog level name.
	Level string `yaml:"level" json:"level"`

	// Format is "console" or "json".
	Format string `yaml:"format" json:"format"`

	// Refresh enables REFRESH state lines.
	Refresh bool `yaml:"refresh" json:"refresh"`

	// Throttle is the minimum spacing between two REFRESH lines.
	Throttle time.Duration `yaml:"throttle" json:"throttle"`
}

// Server configures the HTTP facade.
type Server struct {
	Host         string        `yaml:"host" json:"host"`
	Port         int           `yaml:"port" json:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// Addr returns host:port for net.Listen.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Range:           Range{Start: port.DefaultStart, End: port.DefaultEnd},
		StatePath:       port.DefaultStatePath,
		RefreshInterval: port.DefaultRefreshInterval,
		HistoryMax:      port.DefaultHistoryMax,
		LockTimeout:     port.DefaultLockTimeout,
		Probe:           ProbeNone,
		Log: Log{
			Level:    "info",
			Format:   logging.FormatConsole,
			Throttle: logging.DefaultThrottle,
		},
		Server: Server{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load builds a Config from defaults, the file at path (skipped when path
// is empty) and the process environment. The result is not validated; call
// Validate after applying flags.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// mergeFile decodes the file at path over cfg. Keys absent from the file
// keep their current values.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read config file: %w", model.ErrInvalidConfig, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	case ".json", ".jsonc":
		// Strip comments and trailing commas; the remaining JSON is valid
		// YAML flow syntax.
		data = jsonc.ToJSON(data)
	default:
		return fmt.Errorf("%w: unsupported config file extension %q (want .yaml, .yml, .json or .jsonc)",
			model.ErrInvalidConfig, filepath.Ext(path))
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: parse %s: %w", model.ErrInvalidConfig, path, err)
	}
	return nil
}

// ApplyEnv overrides fields from environment variables looked up through
// lookup (os.LookupEnv in production).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"DYNPORT_RANGE_START", &c.Range.Start},
		{"DYNPORT_RANGE_END", &c.Range.End},
		{"DYNPORT_HISTORY_MAX", &c.HistoryMax},
		{"DYNPORT_BACKUP_KEEP", &c.BackupKeep},
		{"PORT", &c.Server.Port},
	}
	for _, e := range ints {
		v, ok := lookup(e.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", model.ErrInvalidConfig, e.key, v)
		}
		*e.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"DYNPORT_REFRESH_INTERVAL", &c.RefreshInterval},
		{"DYNPORT_LOCK_TIMEOUT", &c.LockTimeout},
	}
	for _, e := range durations {
		v, ok := lookup(e.key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a duration", model.ErrInvalidConfig, e.key, v)
		}
		*e.dst = d
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"DYNPORT_STATE_PATH", &c.StatePath},
		{"DYNPORT_PROBE", &c.Probe},
		{"DYNPORT_DOCKER_HOST", &c.DockerHost},
		{"DYNPORT_LOG_LEVEL", &c.Log.Level},
		{"DYNPORT_LOG_FORMAT", &c.Log.Format},
		{"DYNPORT_SERVER_HOST", &c.Server.Host},
	}
	for _, e := range strs {
		if v, ok := lookup(e.key); ok && v != "" {
			*e.dst = v
		}
	}
	return nil
}

// Validate checks every field and returns the first problem found, wrapped
// in model.ErrInvalidConfig.
func (c Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", model.ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	switch {
	case c.Range.Start < model.MinPort || c.Range.Start > model.MaxPort:
		return fail("range.start %d outside %d-%d", c.Range.Start, model.MinPort, model.MaxPort)
	case c.Range.End < model.MinPort || c.Range.End > model.MaxPort:
		return fail("range.end %d outside %d-%d", c.Range.End, model.MinPort, model.MaxPort)
	case c.Range.Start > c.Range.End:
		return fail("range.start %d is after range.end %d", c.Range.Start, c.Range.End)
	case strings.TrimSpace(c.StatePath) == "":
		return fail("state_path is empty")
	case c.RefreshInterval <= 0:
		return fail("refresh_interval must be positive, got %v", c.RefreshInterval)
	case c.HistoryMax < 0:
		return fail("history_max %d is negative", c.HistoryMax)
	case c.LockTimeout <= 0:
		return fail("lock_timeout must be positive, got %v", c.LockTimeout)
	case c.BackupKeep < 0:
		return fail("backup_keep %d is negative", c.BackupKeep)
	case c.Probe != ProbeNone && c.Probe != ProbeHost && c.Probe != ProbeDocker:
		return fail("probe %q is not one of %s, %s, %s", c.Probe, ProbeNone, ProbeHost, ProbeDocker)
	case !logging.ValidLevel(c.Log.Level):
		return fail("log.level %q is not a log level", c.Log.Level)
	case !logging.ValidFormat(c.Log.Format):
		return fail("log.format %q is not console or json", c.Log.Format)
	case c.Log.Throttle < 0:
		return fail("log.throttle %v is negative", c.Log.Throttle)
	case c.Server.Port < 0 || c.Server.Port > model.MaxPort:
		return fail("server.port %d outside 0-%d", c.Server.Port, model.MaxPort)
	case c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0:
		return fail("server timeouts must not be negative")
	}
	return nil
}

// AllocatorOptions maps the configuration onto allocator construction
// options. The prober and state logger are built by the caller.
func (c Config) AllocatorOptions(log *logging.StateLogger, prober port.Prober) port.Options {
	return port.Options{
		Start:           c.Range.Start,
		End:             c.Range.End,
		StatePath:       c.StatePath,
		RefreshInterval: c.RefreshInterval,
		HistoryMax:      model.IntPtr(c.HistoryMax),
		LockTimeout:     c.LockTimeout,
		BackupKeep:      c.BackupKeep,
		Prober:          prober,
		RetainOnStop:    c.RetainOnStop,
		Log:             log,
	}
}
