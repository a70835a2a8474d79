// Package logging configures the process-wide slog sink: JSON records to a
// size-rotated file with a mirror on stderr.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/whisperapi/internal/config"
)

// maxBackups is how many rotated log files are kept.
const maxBackups = 10

// New builds a logger writing JSON records to the configured rotating file
// and to stderr. Relative file paths are resolved against baseDir. The log
// directory is created if needed; if that fails the logger degrades to
// stderr only.
func New(cfg config.LoggingConfig, baseDir string) *slog.Logger {
	var lvl slog.Level
	switch cfg.Level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	path := cfg.FilePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	var w io.Writer = os.Stderr
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
		maxMB := int(cfg.MaxBytes >> 20)
		if maxMB < 1 {
			maxMB = 1
		}
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxMB, // MB
			MaxBackups: maxBackups,
		})
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
