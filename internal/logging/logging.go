// Package logging configures the process-wide slog logger.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	OutputStdout = "stdout"
	OutputFile   = "file"
	OutputBoth   = "both"
)

type Config struct {
	Format     string // "json" or "text"
	Level      string
	Output     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// FromEnv reads LOG_FORMAT, LOG_LEVEL, LOG_OUTPUT, LOG_FILE, LOG_MAX_SIZE_MB,
// LOG_MAX_BACKUPS, LOG_MAX_AGE_DAYS and LOG_COMPRESS. Setting LOG_FILE without
// LOG_OUTPUT writes to both stdout and the file.
func FromEnv(getenv func(string) string) Config {
	cfg := Config{
		Format:     getenv("LOG_FORMAT"),
		Level:      getenv("LOG_LEVEL"),
		Output:     getenv("LOG_OUTPUT"),
		File:       getenv("LOG_FILE"),
		MaxSizeMB:  envInt(getenv, "LOG_MAX_SIZE_MB", 100),
		MaxBackups: envInt(getenv, "LOG_MAX_BACKUPS", 5),
		MaxAgeDays: envInt(getenv, "LOG_MAX_AGE_DAYS", 30),
		Compress:   getenv("LOG_COMPRESS") == "true",
	}
	if cfg.Output == "" && cfg.File != "" {
		cfg.Output = OutputBoth
	}
	return cfg
}

func envInt(getenv func(string) string, key string, fallback int) int {
	if n, err := strconv.Atoi(getenv(key)); err == nil && n > 0 {
		return n
	}
	return fallback
}

// New builds a logger for cfg. The returned closer releases the log file, if
// one was opened.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, nil, fmt.Errorf("parse log level: %w", err)
		}
	}

	var (
		writers []io.Writer
		closer  io.Closer = nopCloser{}
	)
	output := strings.ToLower(cfg.Output)
	if output == "" {
		output = OutputStdout
	}
	switch output {
	case OutputStdout, OutputFile, OutputBoth:
	default:
		return nil, nil, fmt.Errorf("unknown log output %q", cfg.Output)
	}
	if output == OutputFile || output == OutputBoth {
		if cfg.File == "" {
			return nil, nil, errors.New("log output to file requires a file path")
		}
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, file)
		closer = file
	}
	if output == OutputStdout || output == OutputBoth {
		writers = append(writers, os.Stdout)
	}

	w := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return slog.New(handler), closer, nil
}

// Setup installs the logger for cfg as the slog default.
func Setup(cfg Config) (io.Closer, error) {
	logger, closer, err := New(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
