// Package logx builds the process-wide zerolog logger from config.
//
// Services receive a zerolog.Logger value and derive component loggers
// with .With().Str("component", ...); nothing in here is hot-reloadable,
// level changes require a restart.
package logx

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

type Config struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// New builds a logger writing to stderr (console or JSON) and, if
// configured, a JSON file sink. Unknown levels fall back to info.
func New(cfg Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: consoleTimeFormat})
	} else {
		sinks = append(sinks, os.Stderr)
	}
	if cfg.File.Enabled && strings.TrimSpace(cfg.File.Path) != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return zerolog.Nop(), err
		}
		f, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), err
		}
		sinks = append(sinks, f)
	}

	w := sinks[0]
	if len(sinks) > 1 {
		w = zerolog.MultiLevelWriter(sinks...)
	}
	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return logger, nil
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() zerolog.Logger { return zerolog.Nop() }

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
