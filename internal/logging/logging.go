package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// New builds a zerolog logger. Levels are the zerolog names ("debug",
// "info", ...); format is "json" (default) or "console".
func New(cfg Config) zerolog.Logger {
	return NewWithWriter(cfg, os.Stderr)
}

func NewWithWriter(cfg Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := w
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// ForJob returns a child logger carrying the job id and, when known, the attempt.
func ForJob(base zerolog.Logger, jobID string, attempt int) zerolog.Logger {
	ctx := base.With().Str("job_id", jobID)
	if attempt > 0 {
		ctx = ctx.Int("attempt", attempt)
	}
	return ctx.Logger()
}
