// Package backoff holds the reconnection policy shared by every signaling
// connection.
package backoff

import (
	"context"
	"time"
)

// Policy describes capped exponential reconnection
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// SignalingDefault is used by the primary signaling channel
var SignalingDefault = Policy{MaxAttempts: 5, Base: 1 * time.Second, Cap: 30 * time.Second}

// GatewayDefault is used by the CRM gateway connection
var GatewayDefault = Policy{MaxAttempts: 5, Base: 1 * time.Second, Cap: 30 * time.Second}

// Delay returns the wait before the given 1-based attempt
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether attempt is past the allowed number of attempts
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Wait sleeps for d or until ctx is done
func Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
