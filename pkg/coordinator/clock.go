package coordinator

import "time"

// HeartbeatClock is a pure timing oracle over three resettable wall-clock
// marks: it holds no I/O and performs no scheduling itself. now is
// injectable so tests can advance virtual time instead of sleeping real
// wall-clock time.
type HeartbeatClock struct {
	sessionTimeout    time.Duration
	heartbeatInterval time.Duration
	now               func() time.Time

	lastSessionReset time.Time
	lastSend         time.Time
	lastReceive      time.Time
}

// NewHeartbeatClock builds a clock with all three marks set to now().
func NewHeartbeatClock(sessionTimeout, heartbeatInterval time.Duration, now func() time.Time) *HeartbeatClock {
	if now == nil {
		now = time.Now
	}
	n := now()
	return &HeartbeatClock{
		sessionTimeout:    sessionTimeout,
		heartbeatInterval: heartbeatInterval,
		now:               now,
		lastSessionReset:  n,
		lastSend:          n,
		lastReceive:       n,
	}
}

// Now exposes the clock's time source, used by callers that need to
// compute a scheduler deadline relative to it.
func (h *HeartbeatClock) Now() time.Time { return h.now() }

// ResetSessionTimeout marks the session as freshly alive, as if a
// heartbeat had just been received.
func (h *HeartbeatClock) ResetSessionTimeout() {
	n := h.now()
	h.lastSessionReset = n
	h.lastReceive = n
}

// SentHeartbeat records that a heartbeat request was just issued.
func (h *HeartbeatClock) SentHeartbeat() { h.lastSend = h.now() }

// ReceivedHeartbeat records that a heartbeat response was just received.
func (h *HeartbeatClock) ReceivedHeartbeat() { h.lastReceive = h.now() }

// SessionExpired reports whether the broker would have evicted this
// member by now: no successful heartbeat response within sessionTimeout.
func (h *HeartbeatClock) SessionExpired() bool {
	return h.now().Sub(h.lastReceive) >= h.sessionTimeout
}

// ShouldHeartbeat reports whether enough time has passed since the last
// send to justify another heartbeat.
func (h *HeartbeatClock) ShouldHeartbeat() bool {
	return h.now().Sub(h.lastSend) >= h.heartbeatInterval
}

// TTL is how long to wait before the next heartbeat is due, floored at
// zero.
func (h *HeartbeatClock) TTL() time.Duration {
	ttl := h.heartbeatInterval - h.now().Sub(h.lastSend)
	if ttl < 0 {
		return 0
	}
	return ttl
}
