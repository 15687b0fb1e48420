package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance.
	Logger zerolog.Logger
)

// Level represents log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. An unrecognized or empty Level
// falls back to info rather than failing startup over a typo'd flag.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(string(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	writer := io.Writer(output)
	if !cfg.JSONOutput {
		writer = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(writer).With().Timestamp().Logger()
}

// field builds a child logger carrying a single structured key-value
// pair; every named With* constructor below is a thin wrapper over it,
// one per entity the engines tag their log lines with (spec §4's
// topic/callback/claimant vocabulary).
func field(key, value string) zerolog.Logger {
	return Logger.With().Str(key, value).Logger()
}

// WithComponent creates a child logger with a component field.
func WithComponent(component string) zerolog.Logger { return field("component", component) }

// WithTopicID creates a child logger with a topic_id field.
func WithTopicID(topicID string) zerolog.Logger { return field("topic_id", topicID) }

// WithCallback creates a child logger with a callback field.
func WithCallback(callback string) zerolog.Logger { return field("callback", callback) }

// WithClaimant creates a child logger with a claimant field.
func WithClaimant(claimant string) zerolog.Logger { return field("claimant", claimant) }

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
	Logger.Fatal().Msg(msg)
}
