package gateway

import (
	"golang.org/x/time/rate"
)

// limiterBurst lets short bursts through before the per-minute rate bites.
const limiterBurst = 5

// actionLimiter caps inbound action frames for one connection.
type actionLimiter struct {
	l *rate.Limiter
}

// newActionLimiter returns nil when rpm <= 0 (limiting disabled).
func newActionLimiter(rpm int) *actionLimiter {
	if rpm <= 0 {
		return nil
	}
	burst := limiterBurst
	if rpm < burst {
		burst = rpm
	}
	return &actionLimiter{l: rate.NewLimiter(rate.Limit(float64(rpm))/60.0, burst)}
}

func (a *actionLimiter) Allow() bool {
	return a.l.Allow()
}
