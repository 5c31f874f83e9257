// Package logger owns the process-wide zerolog setup.
//
// Setup runs once at startup; components take child loggers tagged with
// their name so every line carries service and component fields. Output
// is JSON by default, human-readable console format when LOG_PRETTY is
// set for development.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide root logger. Usable before Initialize; it
// simply carries no configuration yet.
var Log zerolog.Logger

// Initialize configures the root logger. An unparseable level falls
// back to info rather than failing startup over a cosmetic knob.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || logLevel == zerolog.NoLevel {
		logLevel = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = zerolog.New(out).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "sandpool-server").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("Logger initialized")
}

// Component returns a child logger tagged with a component name.
func Component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// Named component loggers for the subsystems that log frequently.

func Database() *zerolog.Logger   { return Component("database") }
func Driver() *zerolog.Logger     { return Component("driver") }
func Session() *zerolog.Logger    { return Component("session") }
func Execution() *zerolog.Logger  { return Component("execution") }
func Reconciler() *zerolog.Logger { return Component("reconciler") }
func Health() *zerolog.Logger     { return Component("health") }
func Artifacts() *zerolog.Logger  { return Component("artifacts") }
func HTTP() *zerolog.Logger       { return Component("http") }
