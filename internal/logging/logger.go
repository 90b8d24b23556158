package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"seminarhall/internal/config"

	"github.com/rs/zerolog"
)

// New builds the process logger from config.
// Empty fields mean JSON at info level on stdout. Output "tee" writes to
// both stdout and the file.
func New(cfg config.LoggingConfig, app config.AppConfig) (*zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && parsed != zerolog.NoLevel {
		level = parsed
	}

	var (
		output io.Writer = os.Stdout
		closer io.Closer
	)

	mode := strings.ToLower(strings.TrimSpace(cfg.Output))
	switch mode {
	case "stderr":
		output = os.Stderr
	case "file", "tee":
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("logging.output=%s requires logging.file_path", mode)
		}
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		closer = file
		output = file
		if mode == "tee" {
			output = zerolog.MultiLevelWriter(os.Stdout, file)
		}
	}

	if strings.EqualFold(strings.TrimSpace(cfg.Format), "console") {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	base := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("app", app.Name).
		Str("env", app.Environment).
		Str("version", app.Version).
		Logger()

	return &base, closer, nil
}

// Component returns a child logger tagged with the component name.
func Component(base *zerolog.Logger, name string) *zerolog.Logger {
	l := base.With().Str("component", name).Logger()
	return &l
}
