package log

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger

	// sink is the flushable file sink installed by Init, if any
	sink *Sink
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer

	// Sink, when set, receives a copy of every record in addition to Output.
	Sink *Sink
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var console io.Writer = output
	if !cfg.JSONOutput {
		console = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	sink = cfg.Sink
	if sink != nil {
		// The file sink always gets JSON so records stay machine-readable.
		Logger = zerolog.New(zerolog.MultiLevelWriter(console, sink)).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(console).With().Timestamp().Logger()
}

// Flush flushes the installed sink. It is a no-op when no sink is installed.
func Flush() {
	if sink == nil {
		return
	}
	if err := sink.Flush(); err != nil {
		Logger.Warn().Err(err).Msg("failed to flush log sink")
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID creates a child logger with node_id field
func WithNodeID(nodeID int64) zerolog.Logger {
	return Logger.With().Str("node_id", strconv.FormatInt(nodeID, 10)).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Flush()
	Logger.Fatal().Msg(msg)
}
