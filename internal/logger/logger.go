package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/frankli0324/httpconn/config"
	"github.com/rs/zerolog"
)

// New builds the logger described by cfg. Connection loggers derive from
// it and add a conn_id field.
func New(cfg config.Logging) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("logging.level: %w", err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := outputWriter(cfg.Output)
	if out == nil {
		return zerolog.Nop(), nil
	}
	switch cfg.Format {
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05", NoColor: true}
	case "", "json":
	default:
		return zerolog.Nop(), fmt.Errorf("logging.format must be one of json, console (got: %s)", cfg.Format)
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("component", "httpconn").Logger(), nil
}

func outputWriter(output string) io.Writer {
	switch output {
	case "none":
		return nil
	case "stdout":
		return os.Stdout
	default:
		return os.Stderr
	}
}
