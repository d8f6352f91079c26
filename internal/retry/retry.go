// Package retry holds the bounded backoff policy shared by the loop, the tool
// boundary and the checkpoint store.
package retry

import (
	"context"
	"time"
)

const (
	defaultBaseBackoff = 200 * time.Millisecond
	defaultMaxBackoff  = 2 * time.Second
)

type Policy struct {
	// MaxAttempts counts the first try; 1 means no retry.
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseBackoff time.Duration `yaml:"baseBackoff"`
	MaxBackoff  time.Duration `yaml:"maxBackoff"`
	// Linear grows the delay by BaseBackoff per retry instead of doubling it.
	Linear bool `yaml:"linear"`
}

func (p Policy) Normalize() Policy {
	out := p
	if out.MaxAttempts < 1 {
		out.MaxAttempts = 1
	}
	if out.BaseBackoff <= 0 {
		out.BaseBackoff = defaultBaseBackoff
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = defaultMaxBackoff
	}
	if out.MaxBackoff < out.BaseBackoff {
		out.MaxBackoff = out.BaseBackoff
	}
	return out
}

// Backoff returns the delay before retry number retryNumber (1-based).
func (p Policy) Backoff(retryNumber int) time.Duration {
	p = p.Normalize()
	if retryNumber < 1 {
		retryNumber = 1
	}
	if p.Linear {
		d := p.BaseBackoff * time.Duration(retryNumber)
		if d > p.MaxBackoff {
			return p.MaxBackoff
		}
		return d
	}
	delay := p.BaseBackoff
	for i := 1; i < retryNumber; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
