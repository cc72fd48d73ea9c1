// Package logging provides the structured, leveled, key-value logger used
// throughout this repository. The call convention — Info("msg", "k1", v1,
// "k2", v2, ...) — is fixed so every package can log without importing a
// concrete backend; Init wires that convention onto zerolog, with
// lumberjack handling file rotation when configured.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how log output is produced.
type Config struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // text, json
	Output     string `yaml:"output"`      // stdout, stderr, file
	File       string `yaml:"file"`        // log file path when output is file
	MaxSize    int    `yaml:"max_size"`    // megabytes before rotation
	MaxBackups int    `yaml:"max_backups"` // old files retained
	MaxAge     int    `yaml:"max_age"`     // days old files are retained
	Compress   bool   `yaml:"compress"`    // compress rotated files
}

var (
	mu  sync.RWMutex
	log = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Init reconfigures the package-level logger from cfg. Safe to call once at
// startup before any other goroutine logs.
func Init(cfg *Config) error {
	mu.Lock()
	defer mu.Unlock()

	var w io.Writer
	switch cfg.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	case "file":
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	default:
		w = &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	}

	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, NoColor: cfg.Format == "text" && cfg.Output == "file"}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	log = zerolog.New(w).Level(level).With().Timestamp().Logger()
	return nil
}

func kvEvent(e *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}

// Debug logs msg at debug level with alternating key/value pairs.
func Debug(msg string, kv ...any) {
	mu.RLock()
	defer mu.RUnlock()
	kvEvent(log.Debug(), kv).Msg(msg)
}

// Info logs msg at info level with alternating key/value pairs.
func Info(msg string, kv ...any) {
	mu.RLock()
	defer mu.RUnlock()
	kvEvent(log.Info(), kv).Msg(msg)
}

// Warn logs msg at warn level with alternating key/value pairs.
func Warn(msg string, kv ...any) {
	mu.RLock()
	defer mu.RUnlock()
	kvEvent(log.Warn(), kv).Msg(msg)
}

// Error logs msg at error level with alternating key/value pairs.
func Error(msg string, kv ...any) {
	mu.RLock()
	defer mu.RUnlock()
	kvEvent(log.Error(), kv).Msg(msg)
}
