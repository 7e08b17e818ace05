package coordinator

import (
	"time"

	"github.com/k11v/buildfarm/internal/build"
)

// RetryPolicy decides how long to wait after the n-th consecutive
// failure to reach a builder and when to give up on it.
type RetryPolicy struct {
	Delays      []time.Duration // the last delay repeats
	MaxAttempts int             // zero value (0) means never give up
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Delays:      []time.Duration{15 * time.Second, 30 * time.Second, 45 * time.Second, 60 * time.Second},
		MaxAttempts: 5,
	}
}

// Delay returns the wait after failure n, counting from 1.
func (p RetryPolicy) Delay(n int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	if n < 1 {
		n = 1
	}
	if n > len(p.Delays) {
		n = len(p.Delays)
	}
	return p.Delays[n-1]
}

// Exhausted reports whether failure n is the last one allowed.
func (p RetryPolicy) Exhausted(n int) bool {
	return p.MaxAttempts > 0 && n >= p.MaxAttempts
}

// RetryPolicies picks a policy by the job type of the build a builder
// is working on.
type RetryPolicies struct {
	Default   RetryPolicy
	ByJobType map[build.JobType]RetryPolicy
}

func DefaultRetryPolicies() RetryPolicies {
	return RetryPolicies{Default: DefaultRetryPolicy()}
}

// For returns the default policy for an empty or unlisted job type.
func (p RetryPolicies) For(jobType build.JobType) RetryPolicy {
	if policy, ok := p.ByJobType[jobType]; ok {
		return policy
	}
	return p.Default
}
