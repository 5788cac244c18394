// Package transport is the concrete ClientTransport the coordinator
// package depends on: broker pool bookkeeping, a deadline-ordered
// scheduler, and coordinator discovery, narrowed to exactly the surface
// pkg/coordinator.ClientTransport requires. Producer/consumer plumbing,
// transactions, offset management and the real record wire codec are
// out of scope and are not reproduced here.
package transport

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/kafka-go/pkg/kerr"
	"github.com/twmb/kafka-go/pkg/kmsg"
	"github.com/twmb/kcoord/pkg/future"
)

// Client is a minimal broker pool plus scheduler. There is no internal
// mutex protecting brokers/coordinators/scheduler: every method here
// runs from the single goroutine that calls Poll.
type Client struct {
	cfg cfg

	log *logrus.Entry
	rng *rand.Rand

	brokers      map[int32]*broker
	anyBroker    []*broker
	anyBrokerIdx int

	coordinators map[string]int32 // group id -> node id

	sched *scheduler
}

type cfg struct {
	clientID string
	seeds    []string
	dial     func(ctx context.Context, addr string) (net.Conn, error)
	logger   *logrus.Entry
}

// Opt configures a Client.
type Opt func(*cfg)

// SeedBrokers sets the initial addresses used to discover the rest of
// the cluster.
func SeedBrokers(addrs ...string) Opt { return func(c *cfg) { c.seeds = addrs } }

// ClientID sets the client id sent with every request header.
func ClientID(id string) Opt { return func(c *cfg) { c.clientID = id } }

// WithLogger overrides the default logrus entry.
func WithLogger(l *logrus.Entry) Opt { return func(c *cfg) { c.logger = l } }

// withDialer overrides how broker connections are made; unexported
// because it exists only for tests to substitute an in-memory pipe.
func withDialer(d func(context.Context, string) (net.Conn, error)) Opt {
	return func(c *cfg) { c.dial = d }
}

// NewClient builds a Client seeded with the given bootstrap addresses. No
// connection is made until the first Send.
func NewClient(opts ...Opt) *Client {
	c := cfg{clientID: "kcoord", logger: logrus.NewEntry(logrus.StandardLogger())}
	for _, o := range opts {
		o(&c)
	}

	cl := &Client{
		cfg:          c,
		log:          c.logger,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		brokers:      make(map[int32]*broker),
		coordinators: make(map[string]int32),
		sched:        newScheduler(),
	}
	for i, addr := range c.seeds {
		id := int32(-i - 1) // seed brokers use negative ids, distinguishing them from discovered ones
		b := newBroker(id, addr, c.dial)
		cl.brokers[id] = b
		cl.anyBroker = append(cl.anyBroker, b)
	}
	return cl
}

// leastLoadedBroker returns a broker to issue discovery traffic to. This
// package has no per-connection inflight counters to rank by, so it
// round-robins instead.
func (cl *Client) leastLoadedBroker() (*broker, bool) {
	if len(cl.anyBroker) == 0 {
		return nil, false
	}
	if cl.anyBrokerIdx >= len(cl.anyBroker) {
		cl.anyBrokerIdx = 0
	}
	b := cl.anyBroker[cl.anyBrokerIdx]
	cl.anyBrokerIdx++
	if cl.anyBrokerIdx == len(cl.anyBroker) {
		cl.anyBrokerIdx = 0
		cl.rng.Shuffle(len(cl.anyBroker), func(i, j int) {
			cl.anyBroker[i], cl.anyBroker[j] = cl.anyBroker[j], cl.anyBroker[i]
		})
	}
	return b, true
}

// LeastLoadedNode implements coordinator.ClientTransport.
func (cl *Client) LeastLoadedNode() (int32, bool) {
	b, ok := cl.leastLoadedBroker()
	if !ok {
		return 0, false
	}
	return b.id, true
}

// Ready implements coordinator.ClientTransport.
func (cl *Client) Ready(nodeID int32) bool {
	b, ok := cl.brokers[nodeID]
	return ok && !b.isDead()
}

// IsDisconnected implements coordinator.ClientTransport.
func (cl *Client) IsDisconnected(nodeID int32) bool {
	b, ok := cl.brokers[nodeID]
	return !ok || b.isDead()
}

// Send implements coordinator.ClientTransport: it writes req to nodeID
// and records the outstanding response so the next Poll call can read it
// and complete the returned cell.
func (cl *Client) Send(ctx context.Context, nodeID int32, req kmsg.Request) *future.Cell[kmsg.Response] {
	cell := future.New[kmsg.Response]()
	b, ok := cl.brokers[nodeID]
	if !ok {
		cell.Failure(&errUnknownNode{nodeID})
		return cell
	}

	resp := req.ResponseKind()
	if _, err := b.writeRequest(ctx, cl.cfg.clientID, req); err != nil {
		cell.Failure(err)
		return cell
	}

	b.mu.Lock()
	b.pending[b.corrID-1] = pendingReq{resp: resp, cell: func(r kmsg.Response, err error) {
		if err != nil {
			cell.Failure(err)
			return
		}
		cell.Success(r)
	}}
	b.mu.Unlock()
	return cell
}

// Poll implements coordinator.ClientTransport. When f is non-nil it
// drains each pending response synchronously until f completes; when f
// is nil it runs one bounded unit of background work (due scheduler
// tasks) without blocking or spinning.
func (cl *Client) Poll(ctx context.Context, f *future.Cell[kmsg.Response]) error {
	cl.sched.runDue(time.Now())

	if f == nil {
		return nil
	}

	for {
		select {
		case <-f.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		drained := false
		for _, b := range cl.brokers {
			b.mu.Lock()
			if len(b.pending) == 0 {
				b.mu.Unlock()
				continue
			}
			// Responses arrive in send order on a connection, so the next
			// frame belongs to the lowest outstanding correlation id.
			var corrID int32
			var pr pendingReq
			first := true
			for k, v := range b.pending {
				if first || k < corrID {
					corrID, pr = k, v
					first = false
				}
			}
			delete(b.pending, corrID)
			b.mu.Unlock()

			err := b.readResponse(ctx, pr.resp)
			pr.cell(pr.resp, err)
			drained = true
		}
		if !drained {
			cl.sched.runDue(time.Now())
			select {
			case <-f.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
}

// Schedule implements coordinator.ClientTransport. task need only satisfy
// ScheduledTask's Run() method, which coordinator.ScheduledTask matches
// structurally — no import of the coordinator package is needed here,
// avoiding a cycle (coordinator is this package's consumer).
func (cl *Client) Schedule(task ScheduledTask, at time.Time) { cl.sched.Schedule(task, at) }

// Unschedule implements coordinator.ClientTransport.
func (cl *Client) Unschedule(task ScheduledTask) { cl.sched.Unschedule(task) }

// RequestMetadataUpdate implements coordinator.ClientTransport. This
// minimal transport does not track topic/partition metadata, so a
// metadata "update" is simply confirming a broker is reachable.
func (cl *Client) RequestMetadataUpdate(ctx context.Context) *future.Cell[struct{}] {
	cell := future.New[struct{}]()
	if _, ok := cl.leastLoadedBroker(); !ok {
		cell.Failure(&errNoBrokers{})
		return cell
	}
	cell.Success(struct{}{})
	return cell
}

// RecordCoordinator implements coordinator.ClientTransport, registering a
// broker for the group if it is not already known: any FindCoordinator
// response may name a broker this client has not dialed yet.
func (cl *Client) RecordCoordinator(groupID string, resp *kmsg.FindCoordinatorResponse) bool {
	if kerr.ErrorForCode(resp.ErrorCode) != nil {
		return false
	}
	if _, ok := cl.brokers[resp.NodeID]; !ok {
		addr := net.JoinHostPort(resp.Host, strconv.Itoa(int(resp.Port)))
		b := newBroker(resp.NodeID, addr, cl.cfg.dial)
		cl.brokers[resp.NodeID] = b
		cl.anyBroker = append(cl.anyBroker, b)
	}
	cl.coordinators[groupID] = resp.NodeID
	return true
}

// Close tears down every broker connection this client holds open.
func (cl *Client) Close() {
	for _, b := range cl.brokers {
		b.markDead()
	}
}

type errUnknownNode struct{ id int32 }

func (e *errUnknownNode) Error() string { return "kcoord: unknown node id" }

type errNoBrokers struct{}

func (e *errNoBrokers) Error() string { return "kcoord: no brokers known" }
