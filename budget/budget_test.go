package budget

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func TestPlan_ReserveFloorAppliesToShortBudgets(t *testing.T) {
	a := NewAllocator(Config{})
	p := a.Plan(t0, t0.Add(10*time.Second))

	if p.Total != 10*time.Second {
		t.Fatalf("unexpected total: %v", p.Total)
	}
	if got := p.CheckpointReserve + p.ResponseReserve; got != 3*time.Second {
		t.Fatalf("expected 3s reserve floor, got %v", got)
	}
	if p.PerIterationCeiling != 7*time.Second {
		t.Fatalf("unexpected ceiling: %v", p.PerIterationCeiling)
	}
	if p.Ceiling(t0) != 7*time.Second {
		t.Fatalf("unexpected ceiling at start: %v", p.Ceiling(t0))
	}
}

func TestPlan_ReserveFractionAppliesToLongBudgets(t *testing.T) {
	a := NewAllocator(DefaultConfig())
	p := a.Plan(t0, t0.Add(40*time.Second))

	if got := p.CheckpointReserve + p.ResponseReserve; got != 6*time.Second {
		t.Fatalf("expected 15%% reserve of 40s, got %v", got)
	}
	if p.CheckpointReserve != 4*time.Second {
		t.Fatalf("expected two thirds of reserve for checkpoint, got %v", p.CheckpointReserve)
	}
	if p.ContextBudget != 3400*time.Millisecond {
		t.Fatalf("unexpected context budget: %v", p.ContextBudget)
	}
	if p.CheckpointInterval != 8500*time.Millisecond {
		t.Fatalf("unexpected checkpoint interval: %v", p.CheckpointInterval)
	}
}

func TestPlan_ContextBudgetCapped(t *testing.T) {
	a := NewAllocator(DefaultConfig())
	p := a.Plan(t0, t0.Add(10*time.Minute))
	if p.ContextBudget != 5*time.Second {
		t.Fatalf("expected context budget cap, got %v", p.ContextBudget)
	}
}

func TestPlan_DeadlineShorterThanReserve(t *testing.T) {
	a := NewAllocator(DefaultConfig())
	p := a.Plan(t0, t0.Add(2*time.Second))
	if p.PerIterationCeiling != 0 {
		t.Fatalf("expected no usable time, got %v", p.PerIterationCeiling)
	}
	if p.CanStart(t0) {
		t.Fatalf("no step may start when the reserve consumes the budget")
	}
	if p.PersistBudget(t0) != p.CheckpointReserve {
		t.Fatalf("persist budget should be the checkpoint reserve, got %v", p.PersistBudget(t0))
	}
}

func TestPlan_PastDeadline(t *testing.T) {
	a := NewAllocator(DefaultConfig())
	p := a.Plan(t0, t0.Add(-time.Second))
	if p.Total != 0 || p.Ceiling(t0) != 0 || p.PersistBudget(t0) != 0 {
		t.Fatalf("expected zeroed plan, got %+v", p)
	}
}

func TestPlan_CeilingShrinksWithTime(t *testing.T) {
	a := NewAllocator(DefaultConfig())
	p := a.Plan(t0, t0.Add(10*time.Second))

	if got := p.Ceiling(t0.Add(5 * time.Second)); got != 2*time.Second {
		t.Fatalf("unexpected ceiling after 5s: %v", got)
	}
	if got := p.Ceiling(t0.Add(8 * time.Second)); got != 0 {
		t.Fatalf("ceiling must clamp at zero, got %v", got)
	}
	if !p.CanStart(t0.Add(6 * time.Second)) {
		t.Fatalf("1s ceiling should admit a step")
	}
	if p.CanStart(t0.Add(6*time.Second + 900*time.Millisecond)) {
		t.Fatalf("100ms ceiling is below the minimum iteration")
	}
}

func TestPlan_ToolTimeoutStrictlyBelowCeiling(t *testing.T) {
	a := NewAllocator(DefaultConfig())
	p := a.Plan(t0, t0.Add(10*time.Second))

	for _, elapsed := range []time.Duration{0, time.Second, 6 * time.Second, 6*time.Second + 999*time.Millisecond} {
		now := t0.Add(elapsed)
		c := p.Ceiling(now)
		got := p.ToolTimeout(now, 0)
		if got >= c {
			t.Fatalf("tool timeout %v not below ceiling %v at +%v", got, c, elapsed)
		}
	}
	if got := p.ToolTimeout(t0, 2*time.Second); got != 2*time.Second {
		t.Fatalf("expected max to cap timeout, got %v", got)
	}
	if got := p.ToolTimeout(t0.Add(9*time.Second), time.Second); got != 0 {
		t.Fatalf("expected zero timeout with no ceiling, got %v", got)
	}
}

func TestConfigNormalize(t *testing.T) {
	cfg := Config{ReserveFraction: 2, ToolFraction: 1, MinIteration: -1}.Normalize()
	if cfg.ReserveFraction != defaultReserveFraction || cfg.ToolFraction != defaultToolFraction || cfg.MinIteration != defaultMinIteration {
		t.Fatalf("unexpected normalized config: %+v", cfg)
	}
}
