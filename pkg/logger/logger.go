// Package logger builds the zap logger shared by GojoGrid binaries.
package logger

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultService is attached to every record when Config.Service is empty.
const DefaultService = "gojogrid"

// Config is the "logger" section of a YAML config file.
type Config struct {
	// Level is one of debug, info, warn or error. Anything else means info.
	Level string `yaml:"level"`
	// Format is "console" or "json" (the default).
	Format string `yaml:"format"`
	// OutputFile is a path to append to, or "stdout" (the default) or "stderr".
	OutputFile string `yaml:"output_file"`
	Service    string `yaml:"service"`
	// Fields are attached to every record, next to "service".
	Fields map[string]string `yaml:"fields"`
}

// New builds a logger from config. Records carry the caller and a "service" field.
func New(config Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if config.Level != "" {
		if err := level.UnmarshalText([]byte(config.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}
	}

	sink, err := openSink(config.OutputFile)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(newEncoder(config.Format), sink, level)
	return zap.New(core, zap.AddCaller()).With(staticFields(config)...), nil
}

func staticFields(config Config) []zap.Field {
	service := config.Service
	if service == "" {
		service = DefaultService
	}
	fields := []zap.Field{zap.String("service", service)}
	keys := make([]string, 0, len(config.Fields))
	for k := range config.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.String(k, config.Fields[k]))
	}
	return fields
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

func openSink(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", output, err)
	}
	return zapcore.AddSync(f), nil
}
