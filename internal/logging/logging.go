// Package logging builds the zerolog loggers used by every dynport component
// and renders allocator "state lines".
//
// A state line is one structured event per allocator transition, carrying
// the transition tag, the port the instance holds, and compact summaries of
// the free and used sets. Console output looks like:
//
//	12:00:01 INF PICK active=3000 free=[3001...9000](6000) used=[3000]
//
// Background tags (REFRESH) are opt-in and rate limited per tag with
// github.com/joeycumines/go-catrate, so a long-running service does not flood
// its log with identical refresh lines.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Output formats accepted by New.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// New returns a logger writing to w at the given level ("debug", "info",
// "warn", "error"; empty means info). Format "console" produces
// human-readable lines via zerolog.ConsoleWriter, coloured only when w is a
// terminal; "json" writes one JSON object per line.
func New(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	switch strings.ToLower(format) {
	case "", FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly, NoColor: !isTerminal(w)}
	case FormatJSON:
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format %q (want %s or %s)", format, FormatConsole, FormatJSON)
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// isTerminal reports whether w is a file attached to a terminal. Colour is
// only written to terminals.
func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// ValidLevel reports whether level is accepted by New.
func ValidLevel(level string) bool {
	if level == "" {
		return true
	}
	_, err := zerolog.ParseLevel(strings.ToLower(level))
	return err == nil
}

// ValidFormat reports whether format is accepted by New.
func ValidFormat(format string) bool {
	switch strings.ToLower(format) {
	case "", FormatConsole, FormatJSON:
		return true
	}
	return false
}
