package checkpoint

import (
	"time"

	"github.com/PipeOpsHQ/insight-runtime/internal/retry"
)

type Policy struct {
	CallTimeout       time.Duration `yaml:"callTimeout"`
	MaxRetries        int           `yaml:"maxRetries"`
	RetryBackoff      time.Duration `yaml:"retryBackoff"`
	CompactThreshold  int           `yaml:"compactThreshold"`
	KeepHead          int           `yaml:"keepHead"`
	KeepTail          int           `yaml:"keepTail"`
	EmergencyKeepTail int           `yaml:"emergencyKeepTail"`
}

func DefaultPolicy() Policy {
	return Policy{
		CallTimeout:       2 * time.Second,
		MaxRetries:        3,
		RetryBackoff:      100 * time.Millisecond,
		CompactThreshold:  30,
		KeepHead:          2,
		KeepTail:          12,
		EmergencyKeepTail: 6,
	}
}

// Normalize fills zero fields from DefaultPolicy.
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.CallTimeout <= 0 {
		p.CallTimeout = def.CallTimeout
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.RetryBackoff <= 0 {
		p.RetryBackoff = def.RetryBackoff
	}
	if p.CompactThreshold <= 0 {
		p.CompactThreshold = def.CompactThreshold
	}
	if p.KeepHead <= 0 {
		p.KeepHead = def.KeepHead
	}
	if p.KeepTail <= 0 {
		p.KeepTail = def.KeepTail
	}
	if p.EmergencyKeepTail <= 0 {
		p.EmergencyKeepTail = def.EmergencyKeepTail
	}
	if p.KeepHead+1+p.KeepTail > p.CompactThreshold {
		p.CompactThreshold = p.KeepHead + 1 + p.KeepTail
	}
	return p
}

func (p Policy) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: p.MaxRetries,
		BaseBackoff: p.RetryBackoff,
		MaxBackoff:  p.RetryBackoff * time.Duration(p.MaxRetries),
		Linear:      true,
	}
}
