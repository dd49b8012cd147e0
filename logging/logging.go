// Package logging builds the zerolog logger described by a LoggingConfig.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/georgepadayatti/pdfsign/config"
)

// New returns a logger for cfg and a function releasing its output. A nil
// cfg gets the defaults of config.LoggingConfig.
func New(cfg *config.LoggingConfig) (zerolog.Logger, func() error, error) {
	if cfg == nil {
		cfg = &config.LoggingConfig{}
	}
	c := *cfg
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return zerolog.Nop(), nil, err
	}
	level, _ := zerolog.ParseLevel(c.Level)

	out, closeFn, err := openOutput(c.Output)
	if err != nil {
		return zerolog.Nop(), nil, err
	}

	if c.Format == "text" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logger, closeFn, nil
}

func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch output {
	case "stderr":
		return os.Stderr, noop, nil
	case "stdout":
		return os.Stdout, noop, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, f.Close, nil
}
