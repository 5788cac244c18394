package coordinator

import (
	"context"

	"github.com/twmb/kafka-go/pkg/kmsg"
)

// HeartbeatTask is a self-rescheduling unit of work driven by the
// transport's scheduler rather than a dedicated background goroutine.
// At most one heartbeat request is ever in flight.
type HeartbeatTask struct {
	c     *Coordinator
	clock *HeartbeatClock

	requestInFlight bool
}

func newHeartbeatTask(c *Coordinator, clock *HeartbeatClock) *HeartbeatTask {
	return &HeartbeatTask{c: c, clock: clock}
}

// Reset starts or restarts the task to run at the next opportunity: the
// session clock is reset, any pending firing is cancelled, and — unless a
// request is already in flight — an immediate firing is scheduled.
func (t *HeartbeatTask) Reset() {
	t.clock.ResetSessionTimeout()
	t.c.transport.Unschedule(t)
	if !t.requestInFlight {
		t.c.transport.Schedule(t, t.clock.Now())
	}
}

// Run is the scheduler callback. It never reschedules the task unless it
// explicitly arms another firing below: if the coordinator isn't in a
// heartbeatable state, whoever resumes membership is responsible for
// calling Reset.
func (t *HeartbeatTask) Run() {
	c := t.c

	if c.generation < 0 || c.NeedRejoin() || c.CoordinatorUnknown() {
		c.log.Debug("skipping heartbeat: no auto-assignment or awaiting rebalance")
		return
	}

	if t.clock.SessionExpired() {
		c.log.Error("heartbeat session expired - marking coordinator dead")
		c.coordinatorDead()
		return
	}

	if !t.clock.ShouldHeartbeat() {
		ttl := t.clock.TTL()
		c.log.Debugf("heartbeat task unneeded now, retrying in %s", ttl)
		t.c.transport.Schedule(t, t.clock.Now().Add(ttl))
		return
	}

	t.clock.SentHeartbeat()
	t.requestInFlight = true
	f := c.SendHeartbeat(context.Background())
	f.OnSuccess(func(kmsg.Response) {
		t.requestInFlight = false
		t.clock.ReceivedHeartbeat()
		t.c.transport.Schedule(t, t.clock.Now().Add(t.clock.TTL()))
	})
	f.OnFailure(func(error) {
		t.requestInFlight = false
		t.c.transport.Schedule(t, t.clock.Now().Add(t.c.cfg.retryBackoff))
	})
}
