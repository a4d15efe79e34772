// Package logging builds the per-rank zap loggers used by the fanout CLI.
// Every rank of a group writes to its own sink, so output of concurrently
// running ranks never interleaves within a line and can be read per rank.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Output destinations.
const (
	OutputStderr = "stderr"
	OutputFile   = "file"
	OutputBoth   = "both"
)

// Config controls where and how a rank logs.
type Config struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // console, json
	Output     string `yaml:"output"` // stderr, file, both
	Dir        string `yaml:"dir"`    // file output goes to Dir/rank-N.log
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
}

// FileName returns the log file path of rank under dir.
func FileName(dir string, rank int) string {
	return filepath.Join(dir, fmt.Sprintf("rank-%d.log", rank))
}

// New builds the logger of rank. Console output goes to w, or os.Stderr when
// w is nil. The rank only selects the file; the fanout and tcp packages add
// the rank field themselves. The returned close function flushes the logger and releases the
// log file.
func New(cfg Config, rank int, w io.Writer) (*zap.Logger, func() error, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		l, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: %w", err)
		}
		level = l
	}

	output := strings.ToLower(cfg.Output)
	if output == "" {
		output = OutputStderr
	}

	var cores []zapcore.Core
	var file *lumberjack.Logger

	switch output {
	case OutputStderr, OutputFile, OutputBoth:
	default:
		return nil, nil, fmt.Errorf("logging: unknown output %q", cfg.Output)
	}

	if output == OutputStderr || output == OutputBoth {
		if w == nil {
			w = os.Stderr
		}
		enc, err := encoder(cfg.Format, true)
		if err != nil {
			return nil, nil, err
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(w), level))
	}

	if output == OutputFile || output == OutputBoth {
		if cfg.Dir == "" {
			return nil, nil, fmt.Errorf("logging: output %q needs a directory", output)
		}
		file = &lumberjack.Logger{
			Filename:   FileName(cfg.Dir, rank),
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		}
		enc, err := encoder(cfg.Format, false)
		if err != nil {
			return nil, nil, err
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(file), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())

	closeFn := func() error {
		_ = logger.Sync()
		if file != nil {
			return file.Close()
		}
		return nil
	}
	return logger, closeFn, nil
}

func encoder(format string, color bool) (zapcore.Encoder, error) {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	switch strings.ToLower(format) {
	case "json":
		return zapcore.NewJSONEncoder(cfg), nil
	case "", "console":
		if color {
			cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		return zapcore.NewConsoleEncoder(cfg), nil
	default:
		return nil, fmt.Errorf("logging: unknown format %q", format)
	}
}
