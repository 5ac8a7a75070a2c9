package logging

import (
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Configure sets the global zerolog logger. format is "console" for the
// human-readable writer or "json" for one object per line. Unknown levels
// fall back to info.
func Configure(level, format string) zerolog.Level {
	return ConfigureWriter(level, format, os.Stderr)
}

// ConfigureWriter is Configure with an explicit destination.
func ConfigureWriter(level, format string, out io.Writer) zerolog.Level {
	lvl := ParseLevel(level)
	zerolog.SetGlobalLevel(lvl)

	var w io.Writer = out
	if !strings.EqualFold(format, "json") {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	ctx := zerolog.New(w).With().Timestamp()
	if lvl <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger().Level(lvl)
	zerolog.DefaultContextLogger = &log.Logger

	// route stray stdlib log output (net/http server errors) through zerolog
	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger.With().Str("component", "stdlog").Logger())
	return lvl
}

// ParseLevel maps a level name to zerolog, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	if strings.TrimSpace(s) == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		log.Warn().Str("level", s).Msg("unknown log level, using info")
		return zerolog.InfoLevel
	}
	return lvl
}
