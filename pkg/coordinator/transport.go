package coordinator

import (
	"context"
	"time"

	"github.com/twmb/kafka-go/pkg/kmsg"
	"github.com/twmb/kcoord/pkg/future"
)

// ScheduledTask is anything the transport's scheduler can run at a
// deadline. HeartbeatTask implements this as a self-rescheduling
// closure rather than a background goroutine.
type ScheduledTask interface {
	Run()
}

// ClientTransport is the small, enumerated collaborator surface this
// package depends on, deliberately excluding TCP management, broker
// metadata discovery, and wire codecs. pkg/transport ships a concrete
// implementation backed by a real broker pool.
type ClientTransport interface {
	// Send issues req to nodeID and returns a cell that resolves with
	// the matching response or a transport-level error.
	Send(ctx context.Context, nodeID int32, req kmsg.Request) *future.Cell[kmsg.Response]

	// Poll advances I/O. If f is non-nil, Poll blocks until f completes
	// (or ctx is done); if f is nil, Poll performs one bounded unit of
	// background I/O (scheduler firings, in-flight reads) without
	// spinning or blocking indefinitely.
	Poll(ctx context.Context, f *future.Cell[kmsg.Response]) error

	// Ready reports whether nodeID has a usable connection.
	Ready(nodeID int32) bool

	// IsDisconnected reports whether nodeID's connection has failed.
	IsDisconnected(nodeID int32) bool

	// LeastLoadedNode returns a node to issue discovery requests to, if
	// any broker is currently known.
	LeastLoadedNode() (nodeID int32, ok bool)

	// Schedule arms task to run at or after at. Re-arming an
	// already-scheduled task replaces its prior deadline.
	Schedule(task ScheduledTask, at time.Time)

	// Unschedule cancels a pending firing of task. Unscheduling a task
	// that isn't scheduled is a no-op.
	Unschedule(task ScheduledTask)

	// RequestMetadataUpdate asks for a broker metadata refresh,
	// resolving once one completes.
	RequestMetadataUpdate(ctx context.Context) *future.Cell[struct{}]

	// RecordCoordinator registers resp as groupID's coordinator. It
	// returns false if the coordinator's metadata is inconsistent with
	// what the transport already knows about the cluster.
	RecordCoordinator(groupID string, resp *kmsg.FindCoordinatorResponse) bool
}
