package ratelimit

import (
	"golang.org/x/time/rate"
)

// ConnLimiter caps the inbound message rate of a single lobby socket
// connection. One instance is created per attached connection; it is not
// shared, so it needs no internal locking beyond what rate.Limiter itself
// provides.
type ConnLimiter struct {
	limiter *rate.Limiter
}

// NewConnLimiter builds a per-connection limiter allowing messagesPerSecond
// sustained throughput with a burst of up to one second's worth of traffic.
func NewConnLimiter(messagesPerSecond float64) *ConnLimiter {
	burst := int(messagesPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &ConnLimiter{limiter: rate.NewLimiter(rate.Limit(messagesPerSecond), burst)}
}

// Allow reports whether another inbound message may be processed now.
func (c *ConnLimiter) Allow() bool {
	return c.limiter.Allow()
}
