// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Format selects the log encoding.
type Format string

const (
	FormatAuto    Format = "auto"
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// New returns a logger writing to out at level. With FormatAuto the
// console writer is used when out is a terminal and JSON otherwise.
func New(out *os.File, level string, format Format) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("unable to parse log level %q: %w", level, err)
		}
		lvl = parsed
	}

	var w io.Writer = out
	switch format {
	case FormatConsole:
		w = consoleWriter(out)
	case FormatJSON:
	case FormatAuto, "":
		if isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()) {
			w = consoleWriter(out)
		}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}

	ctx := zerolog.New(w).Level(lvl).With().Timestamp()
	if lvl <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	return ctx.Logger(), nil
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
}
