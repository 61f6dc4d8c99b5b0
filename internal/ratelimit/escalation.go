package ratelimit

import "time"

const (
	maxProgressiveDelay = 30 * time.Second
	baseProgressiveUnit = time.Second
	maxBlockExponent    = 5
)

// Escalate computes the progressive delay and block duration for a violation.
// violations is 1 for the first denied request past the limit within the
// current window. The block exponent is capped so repeat violators see
// bounded growth rather than unbounded doubling.
func Escalate(violations int, p Policy) (delay, block time.Duration) {
	if violations < 1 {
		return 0, 0
	}

	if p.ProgressiveDelay {
		shift := violations
		if shift > maxBlockExponent {
			shift = maxBlockExponent
		}
		delay = baseProgressiveUnit << uint(shift)
		if delay > maxProgressiveDelay {
			delay = maxProgressiveDelay
		}
	}

	if p.BlockDuration > 0 {
		exponent := violations - 1
		if exponent > maxBlockExponent {
			exponent = maxBlockExponent
		}
		block = p.BlockDuration << uint(exponent)
	}

	return delay, block
}
