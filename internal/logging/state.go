package logging

import (
	"fmt"
	"strconv"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"
)

// Tag identifies the allocator transition a state line describes.
type Tag string

// State line tags.
const (
	TagInit    Tag = "INIT"
	TagRefresh Tag = "REFRESH"
	TagPick    Tag = "PICK"
	TagRelease Tag = "RELEASE"
	TagRecover Tag = "RECOVER"
	TagError   Tag = "ERROR"
	TagStop    Tag = "STOP"
)

// DefaultThrottle is the minimum spacing between two background state lines
// with the same tag.
const DefaultThrottle = 5 * time.Minute

// background reports whether lines with this tag are opt-in and throttled.
func (t Tag) background() bool {
	return t == TagRefresh
}

// SummarizePorts renders a sorted port list compactly: "[]", "[3000]", or
// "[3000...3010](11)" (first, last, count).
func SummarizePorts(ports []int) string {
	switch len(ports) {
	case 0:
		return "[]"
	case 1:
		return "[" + strconv.Itoa(ports[0]) + "]"
	default:
		return fmt.Sprintf("[%d...%d](%d)", ports[0], ports[len(ports)-1], len(ports))
	}
}

// Snapshot is the part of allocator state a state line reports.
type Snapshot struct {
	Held  *int
	Free  []int
	Used  []int
	Count int64
}

// StateLogger emits state lines. It is safe for concurrent use.
type StateLogger struct {
	log        zerolog.Logger
	background bool
	limiter    *catrate.Limiter
}

// StateOption configures a StateLogger.
type StateOption func(*stateConfig)

type stateConfig struct {
	background bool
	throttle   time.Duration
}

// WithBackground enables REFRESH lines. They are off by default.
func WithBackground(enabled bool) StateOption {
	return func(c *stateConfig) { c.background = enabled }
}

// WithThrottle sets the minimum spacing between background lines of one tag.
// Non-positive values select DefaultThrottle.
func WithThrottle(d time.Duration) StateOption {
	return func(c *stateConfig) { c.throttle = d }
}

// NewStateLogger wraps log for state lines.
func NewStateLogger(log zerolog.Logger, opts ...StateOption) *StateLogger {
	cfg := stateConfig{throttle: DefaultThrottle}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.throttle <= 0 {
		cfg.throttle = DefaultThrottle
	}
	return &StateLogger{
		log:        log,
		background: cfg.background,
		limiter:    catrate.NewLimiter(map[time.Duration]int{cfg.throttle: 1}),
	}
}

// Logger returns the underlying zerolog logger.
func (l *StateLogger) Logger() *zerolog.Logger {
	return &l.log
}

// State writes one state line. Background tags are dropped unless enabled,
// and then emitted at most once per throttle window. It reports whether the
// line was written.
func (l *StateLogger) State(tag Tag, snap Snapshot, note string) bool {
	if tag.background() {
		if !l.background {
			return false
		}
		if _, ok := l.limiter.Allow(tag); !ok {
			return false
		}
	}

	var ev *zerolog.Event
	switch tag {
	case TagError:
		ev = l.log.Error()
	case TagRecover:
		ev = l.log.Warn()
	default:
		ev = l.log.Info()
	}

	active := "-"
	if snap.Held != nil {
		active = strconv.Itoa(*snap.Held)
	}
	ev = ev.Str("tag", string(tag)).
		Str("active", active).
		Str("free", SummarizePorts(snap.Free)).
		Str("used", SummarizePorts(snap.Used)).
		Int64("changes", snap.Count)
	if note != "" {
		ev = ev.Str("note", note)
	}
	ev.Msg(string(tag))
	return true
}
