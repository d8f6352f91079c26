// Package budget splits the time an attempt has left into the slices the
// agent loop works with. Everything here is pure; callers pass the clock.
package budget

import (
	"math"
	"time"
)

const (
	defaultReserveFraction    = 0.15
	defaultReserveFloor       = 3 * time.Second
	defaultCheckpointShare    = 2.0 / 3.0
	defaultContextFraction    = 0.10
	defaultMaxContextBudget   = 5 * time.Second
	defaultMinIteration       = 250 * time.Millisecond
	defaultCheckpointFraction = 0.25
	defaultToolFraction       = 0.8
)

type Config struct {
	// ReserveFraction of the total is held back for the final checkpoint
	// write and the response, but never less than ReserveFloor.
	ReserveFraction float64       `yaml:"reserveFraction"`
	ReserveFloor    time.Duration `yaml:"reserveFloor"`
	// CheckpointShare is the part of the reserve set aside for persistence;
	// the rest is the response reserve.
	CheckpointShare float64 `yaml:"checkpointShare"`

	ContextFraction  float64       `yaml:"contextFraction"`
	MaxContextBudget time.Duration `yaml:"maxContextBudget"`

	// MinIteration is the smallest ceiling worth starting a reasoning step with.
	MinIteration       time.Duration `yaml:"minIteration"`
	CheckpointFraction float64       `yaml:"checkpointFraction"`
	ToolFraction       float64       `yaml:"toolFraction"`
}

func DefaultConfig() Config {
	return Config{
		ReserveFraction:    defaultReserveFraction,
		ReserveFloor:       defaultReserveFloor,
		CheckpointShare:    defaultCheckpointShare,
		ContextFraction:    defaultContextFraction,
		MaxContextBudget:   defaultMaxContextBudget,
		MinIteration:       defaultMinIteration,
		CheckpointFraction: defaultCheckpointFraction,
		ToolFraction:       defaultToolFraction,
	}
}

// Normalize fills zero or out-of-range fields with defaults.
func (c Config) Normalize() Config {
	out := c
	if out.ReserveFraction <= 0 || out.ReserveFraction >= 1 {
		out.ReserveFraction = defaultReserveFraction
	}
	if out.ReserveFloor <= 0 {
		out.ReserveFloor = defaultReserveFloor
	}
	if out.CheckpointShare <= 0 || out.CheckpointShare > 1 {
		out.CheckpointShare = defaultCheckpointShare
	}
	if out.ContextFraction <= 0 || out.ContextFraction >= 1 {
		out.ContextFraction = defaultContextFraction
	}
	if out.MaxContextBudget <= 0 {
		out.MaxContextBudget = defaultMaxContextBudget
	}
	if out.MinIteration <= 0 {
		out.MinIteration = defaultMinIteration
	}
	if out.CheckpointFraction <= 0 || out.CheckpointFraction > 1 {
		out.CheckpointFraction = defaultCheckpointFraction
	}
	if out.ToolFraction <= 0 || out.ToolFraction >= 1 {
		out.ToolFraction = defaultToolFraction
	}
	return out
}

type Allocator struct {
	cfg Config
}

func NewAllocator(cfg Config) *Allocator {
	return &Allocator{cfg: cfg.Normalize()}
}

func (a *Allocator) Config() Config {
	return a.cfg
}

// Plan is the budget of one attempt, computed once from the host deadline.
type Plan struct {
	Deadline            time.Time
	Total               time.Duration
	ContextBudget       time.Duration
	PerIterationCeiling time.Duration
	CheckpointReserve   time.Duration
	ResponseReserve     time.Duration
	CheckpointInterval  time.Duration

	minIteration time.Duration
	toolFraction float64
}

// Plan divides the time between now and hostDeadline. The reserve is taken
// first; everything else comes out of what remains.
func (a *Allocator) Plan(now, hostDeadline time.Time) Plan {
	cfg := a.cfg
	total := hostDeadline.Sub(now)
	if total < 0 {
		total = 0
	}

	reserve := scale(total, cfg.ReserveFraction)
	if reserve < cfg.ReserveFloor {
		reserve = cfg.ReserveFloor
	}
	if reserve > total {
		reserve = total
	}
	checkpointReserve := scale(reserve, cfg.CheckpointShare)
	responseReserve := reserve - checkpointReserve

	usable := total - reserve
	contextBudget := scale(usable, cfg.ContextFraction)
	if contextBudget > cfg.MaxContextBudget {
		contextBudget = cfg.MaxContextBudget
	}
	interval := scale(usable, cfg.CheckpointFraction)
	if interval < cfg.MinIteration {
		interval = cfg.MinIteration
	}

	return Plan{
		Deadline:            hostDeadline,
		Total:               total,
		ContextBudget:       contextBudget,
		PerIterationCeiling: usable,
		CheckpointReserve:   checkpointReserve,
		ResponseReserve:     responseReserve,
		CheckpointInterval:  interval,
		minIteration:        cfg.MinIteration,
		toolFraction:        cfg.ToolFraction,
	}
}

// Ceiling is the time any single reasoning step or tool batch may use if it
// starts at now.
func (p Plan) Ceiling(now time.Time) time.Duration {
	c := p.Deadline.Sub(now) - p.CheckpointReserve - p.ResponseReserve
	if c < 0 {
		return 0
	}
	return c
}

// CanStart reports whether a new step may begin at now.
func (p Plan) CanStart(now time.Time) bool {
	c := p.Ceiling(now)
	return c > 0 && c >= p.minIteration
}

// ToolTimeout returns the timeout for a tool call started at now. It is always
// strictly below the current ceiling and never above max when max > 0.
func (p Plan) ToolTimeout(now time.Time, max time.Duration) time.Duration {
	c := p.Ceiling(now)
	if c <= 0 {
		return 0
	}
	frac := p.toolFraction
	if frac <= 0 || frac >= 1 {
		frac = defaultToolFraction
	}
	t := scale(c, frac)
	if max > 0 && t > max {
		t = max
	}
	if t >= c {
		t = c - 1
	}
	return t
}

// PersistBudget is the time available for the final checkpoint write.
func (p Plan) PersistBudget(now time.Time) time.Duration {
	left := p.Deadline.Sub(now)
	if left <= 0 {
		return 0
	}
	if left < p.CheckpointReserve {
		return left
	}
	return p.CheckpointReserve
}

func scale(d time.Duration, f float64) time.Duration {
	return time.Duration(math.Round(float64(d) * f))
}
