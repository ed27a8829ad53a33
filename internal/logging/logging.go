// Package logging sets up structured logging for claudish-proxy.
package logging

import (
	"fmt"
	"io"
	stdlog "log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// Flag is the flag name for setting the logging level.
	Flag = "log-level"
	// FormatFlag is the flag name for setting the logging format.
	FormatFlag = "log-format"
	// FlagShorthand is the shorthand flag name for setting the logging level.
	FlagShorthand = "l"
	// DefaultFlagValue is the default value for the log level flag.
	DefaultFlagValue = "info"
	// DefaultFormatFlagValue is the default value for the log format flag.
	DefaultFormatFlagValue = FormatFlagValueText
	// FormatFlagValueJSON is the format flag value for JSON logging.
	FormatFlagValueJSON = "json"
	// FormatFlagValueText is the format flag value for standard text logging.
	FormatFlagValueText = "text"
	// FlagInfo is the info string for the log level flag.
	FlagInfo = "set logging level (debug, info, warn, error, or a number)"
	// FormatFlagInfo is the info string for the log format flag.
	FormatFlagInfo = "set logging format (json or text)"
)

// RegisterFlagCompletionFunc registers a completion function for the log level flag.
func RegisterFlagCompletionFunc(cmd *cobra.Command) error {
	return cmd.RegisterFlagCompletionFunc(Flag, func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"debug", "info", "warn", "error"}, cobra.ShellCompDirectiveNoFileComp
	})
}

// ValidateLogFormat validates the log format.
func ValidateLogFormat(logFormat string) error {
	switch strings.ToLower(logFormat) {
	case FormatFlagValueJSON, FormatFlagValueText:
		return nil
	default:
		return fmt.Errorf("invalid log format %q: --%s must be one of %q", logFormat, FormatFlag, []string{FormatFlagValueJSON, FormatFlagValueText})
	}
}

// NewLogger returns a new [*slog.Logger] at the given log level, writing to stderr.
// format selects between "json" and "text" handlers.
func NewLogger(logLevel, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: LevelFromString(logLevel, slog.LevelInfo)}
	if strings.ToLower(format) == FormatFlagValueJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// LevelFromString converts a string to a [slog.Level].
// If the given string cannot be translated to a [slog.Level], or is not a number,
// the given fallback is used instead.
func LevelFromString(s string, fallback slog.Level) slog.Level {
	var level slog.Level
	switch strings.ToLower(s) {
	case "debug":
		level = slog.LevelDebug
	case "":
		fallthrough
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		numericLevel, err := strconv.Atoi(s)
		if err != nil {
			numericLevel = int(fallback)
		}
		level = slog.Level(numericLevel)
	}

	return level
}

// NewFileLogger returns a new [*slog.Logger] that writes JSON records to a
// rotating debug log file (and, if output is non-nil, also to output).
func NewFileLogger(logLevel string, output io.Writer, filename string) *slog.Logger {
	writer := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    20, // megabytes
		MaxBackups: 3,
		MaxAge:     7, // days
		Compress:   false,
		LocalTime:  true,
	}
	var w io.Writer = writer
	if output != nil {
		w = io.MultiWriter(writer, output)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: LevelFromString(logLevel, slog.LevelInfo),
	}))
}

// NewLogWrapper wraps a [*slog.Logger] as a [*log.Logger] for use as
// [http.Server.ErrorLog].
func NewLogWrapper(logger *slog.Logger) *stdlog.Logger {
	return stdlog.New(&stdLogAdapter{log: logger}, "", 0)
}

type stdLogAdapter struct {
	log *slog.Logger
}

// Write implements io.Writer so the adapter can back a standard [log.Logger].
func (a *stdLogAdapter) Write(p []byte) (int, error) {
	a.log.Error(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
