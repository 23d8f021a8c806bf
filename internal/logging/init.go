// Package logging sets up the default slog logger of the runpipe command.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

const (
	JSON = "json"
	Text = "text"
	Tint = "tint"
)

// NewHandler returns a handler of the given type writing records at or above logLevelName to w.
func NewHandler(w io.Writer, loggingType string, logLevelName string) (slog.Handler, error) {
	var logLevel slog.Level
	err := logLevel.UnmarshalText([]byte(logLevelName))
	if err != nil {
		return nil, fmt.Errorf("could not parse log level: %w", err)
	}

	logHandlerOptions := slog.HandlerOptions{
		AddSource: logLevel <= slog.LevelDebug,
		Level:     logLevel,
	}

	switch loggingType {
	case JSON:
		return slog.NewJSONHandler(w, &logHandlerOptions), nil
	case Text:
		return slog.NewTextHandler(w, &logHandlerOptions), nil
	case Tint:
		return tint.NewHandler(w, &tint.Options{
			AddSource: logHandlerOptions.AddSource,
			Level:     logHandlerOptions.Level,
		}), nil
	default:
		return nil, fmt.Errorf("unknown logging type: %s", loggingType)
	}
}

// Initialize installs the default logger. Logs go to stderr, stdout carries the reports.
func Initialize(loggingType string, logLevelName string) error {
	logHandler, err := NewHandler(os.Stderr, loggingType, logLevelName)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(logHandler))
	slog.Debug("logging initialized", "type", loggingType, "level", logLevelName)
	return nil
}
