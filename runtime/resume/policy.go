package resume

import "time"

type Policy struct {
	MaxAttempts    int           `yaml:"maxAttempts"`
	OverallCeiling time.Duration `yaml:"overallCeiling"`
	// AttemptBudget caps the host deadline handed to a single attempt.
	AttemptBudget time.Duration `yaml:"attemptBudget"`
	// MinAttemptWindow is the least time the caller must have left for
	// another attempt to be started instead of answering resumable.
	MinAttemptWindow time.Duration `yaml:"minAttemptWindow"`
	BaseBackoff      time.Duration `yaml:"baseBackoff"`
	MaxBackoff       time.Duration `yaml:"maxBackoff"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      15,
		OverallCeiling:   5 * time.Minute,
		AttemptBudget:    25 * time.Second,
		MinAttemptWindow: 2 * time.Second,
		BaseBackoff:      500 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
	}
}

func NormalizePolicy(policy Policy) Policy {
	def := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.OverallCeiling <= 0 {
		policy.OverallCeiling = def.OverallCeiling
	}
	if policy.AttemptBudget <= 0 {
		policy.AttemptBudget = def.AttemptBudget
	}
	if policy.MinAttemptWindow <= 0 {
		policy.MinAttemptWindow = def.MinAttemptWindow
	}
	if policy.BaseBackoff <= 0 {
		policy.BaseBackoff = def.BaseBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.MaxBackoff < policy.BaseBackoff {
		policy.MaxBackoff = policy.BaseBackoff
	}
	return policy
}

func (p Policy) Backoff(attempt int) time.Duration {
	p = NormalizePolicy(p)
	if attempt <= 0 {
		attempt = 1
	}
	backoff := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return backoff
}
