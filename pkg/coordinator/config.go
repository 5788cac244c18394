package coordinator

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	errEmptyGroupID = errors.New("kcoord: group_id must not be empty")
	errNoPolicy     = errors.New("kcoord: WithPolicy is required")
	errNoTransport  = errors.New("kcoord: WithTransport is required")
)

// cfg is a private struct populated by a slice of functional options,
// then validated before use.
type cfg struct {
	groupID           string
	sessionTimeout    time.Duration
	heartbeatInterval time.Duration
	retryBackoff      time.Duration

	logger    *logrus.Entry
	policy    GroupPolicy
	transport ClientTransport
	now       func() time.Time
}

func defaultCfg() cfg {
	return cfg{
		groupID:           "default-group",
		sessionTimeout:    30 * time.Second,
		heartbeatInterval: 3 * time.Second,
		retryBackoff:      100 * time.Millisecond,
		logger:            logrus.NewEntry(logrus.StandardLogger()),
		now:               time.Now,
	}
}

func (c *cfg) validate() error {
	if c.groupID == "" {
		return errEmptyGroupID
	}
	if c.policy == nil {
		return errNoPolicy
	}
	if c.transport == nil {
		return errNoTransport
	}
	if c.heartbeatInterval >= c.sessionTimeout {
		// Not rejected outright: a programming error here will instead
		// surface at runtime as repeated session expiries.
		c.logger.Warnf("heartbeat_interval_ms (%s) is not less than session_timeout_ms (%s)",
			c.heartbeatInterval, c.sessionTimeout)
	}
	return nil
}

// Opt configures a Coordinator via the functional-options pattern.
type Opt interface {
	apply(*cfg)
}

type optFunc func(*cfg)

func (o optFunc) apply(c *cfg) { o(c) }

// GroupID names the group this membership joins. Default: "default-group".
func GroupID(id string) Opt { return optFunc(func(c *cfg) { c.groupID = id }) }

// SessionTimeout bounds how long the broker tolerates silence from this
// member before evicting it. Default: 30s.
func SessionTimeout(d time.Duration) Opt { return optFunc(func(c *cfg) { c.sessionTimeout = d }) }

// HeartbeatInterval sets the target cadence for outgoing heartbeats.
// Must be less than SessionTimeout. Default: 3s.
func HeartbeatInterval(d time.Duration) Opt {
	return optFunc(func(c *cfg) { c.heartbeatInterval = d })
}

// RetryBackoff sets the sleep between retriable-failure retries.
// Default: 100ms.
func RetryBackoff(d time.Duration) Opt { return optFunc(func(c *cfg) { c.retryBackoff = d }) }

// WithLogger overrides the default logrus entry used for every log line.
func WithLogger(l *logrus.Entry) Opt { return optFunc(func(c *cfg) { c.logger = l }) }

// WithPolicy supplies the GroupPolicy extension surface. Required.
func WithPolicy(p GroupPolicy) Opt { return optFunc(func(c *cfg) { c.policy = p }) }

// WithTransport supplies the ClientTransport collaborator. Required.
func WithTransport(t ClientTransport) Opt { return optFunc(func(c *cfg) { c.transport = t }) }

// withClock overrides the time source; unexported because it exists only
// to let tests drive HeartbeatClock with virtual time.
func withClock(now func() time.Time) Opt { return optFunc(func(c *cfg) { c.now = now }) }
