package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/kafka-go/pkg/kerr"
	"github.com/twmb/kafka-go/pkg/kmsg"
	"github.com/twmb/kcoord/pkg/future"
)

// fakeTransport is an in-memory ClientTransport driven entirely by
// queued responses, letting full join/heartbeat/close scenarios run
// without a network. Scheduled tasks are run synchronously by advance().
type fakeTransport struct {
	t *testing.T

	coordinatorID int32
	coordinatorOK bool

	// responses is consumed in order, one per Send call, regardless of
	// request type; tests queue exactly the sequence they expect.
	responses []kmsg.Response

	sent []kmsg.Request

	tasks map[ScheduledTask]time.Time
	now   time.Time
}

func newFakeTransport(t *testing.T) *fakeTransport {
	return &fakeTransport{t: t, tasks: make(map[ScheduledTask]time.Time), now: time.Unix(0, 0)}
}

func (f *fakeTransport) queue(resp kmsg.Response) { f.responses = append(f.responses, resp) }

func (f *fakeTransport) Send(ctx context.Context, nodeID int32, req kmsg.Request) *future.Cell[kmsg.Response] {
	f.sent = append(f.sent, req)
	require.NotEmpty(f.t, f.responses, "unexpected Send with no queued response for %T", req)
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return future.Completed[kmsg.Response](resp)
}

func (f *fakeTransport) Poll(ctx context.Context, cell *future.Cell[kmsg.Response]) error {
	if cell == nil {
		return nil
	}
	_, err := cell.Get(ctx)
	return err
}

func (f *fakeTransport) Ready(nodeID int32) bool         { return true }
func (f *fakeTransport) IsDisconnected(nodeID int32) bool { return false }

func (f *fakeTransport) LeastLoadedNode() (int32, bool) { return 1, true }

func (f *fakeTransport) Schedule(task ScheduledTask, at time.Time) { f.tasks[task] = at }
func (f *fakeTransport) Unschedule(task ScheduledTask)             { delete(f.tasks, task) }

func (f *fakeTransport) RequestMetadataUpdate(ctx context.Context) *future.Cell[struct{}] {
	return future.Completed(struct{}{})
}

func (f *fakeTransport) RecordCoordinator(groupID string, resp *kmsg.FindCoordinatorResponse) bool {
	f.coordinatorID = resp.NodeID
	f.coordinatorOK = true
	return true
}

// advance runs every task due at or before now, possibly repeatedly as
// tasks reschedule themselves. Unlike transport's scheduler.runDue, a task
// that reschedules itself at or before now runs again within this call.
func (f *fakeTransport) advance(now time.Time) {
	f.now = now
	for {
		var due ScheduledTask
		for task, at := range f.tasks {
			if !at.After(now) {
				due = task
				break
			}
		}
		if due == nil {
			return
		}
		delete(f.tasks, due)
		due.Run()
	}
}

type fakePolicy struct {
	protocol       string
	assignFn       func(leaderID, protocol string, members []GroupMember) (map[string]Encodable, error)
	completions    []completion
	prepareCalls   int
}

type completion struct {
	generation int32
	memberID   string
	protocol   string
	assignment []byte
}

func (p *fakePolicy) ProtocolType() string { return "consumer" }

func (p *fakePolicy) GroupProtocols() []ProtocolMetadata {
	return []ProtocolMetadata{{Name: p.protocol, Metadata: Bytes(nil)}}
}

func (p *fakePolicy) OnJoinPrepare(ctx context.Context, generation int32, memberID string) {
	p.prepareCalls++
}

func (p *fakePolicy) PerformAssignment(leaderID, protocol string, members []GroupMember) (map[string]Encodable, error) {
	return p.assignFn(leaderID, protocol, members)
}

func (p *fakePolicy) OnJoinComplete(ctx context.Context, generation int32, memberID, protocol string, assignment []byte) {
	p.completions = append(p.completions, completion{generation, memberID, protocol, assignment})
}

func newTestCoordinator(t *testing.T, ft *fakeTransport, policy GroupPolicy) *Coordinator {
	c, err := New(
		GroupID("test-group"),
		WithTransport(ft),
		WithPolicy(policy),
		SessionTimeout(time.Second),
		HeartbeatInterval(100*time.Millisecond),
		RetryBackoff(10*time.Millisecond),
		withClock(func() time.Time { return ft.now }),
	)
	require.NoError(t, err)
	return c
}

// scenario 1: clean join as follower.
func TestEnsureActiveGroup_CleanJoinFollower(t *testing.T) {
	ft := newFakeTransport(t)
	policy := &fakePolicy{protocol: "range"}
	c := newTestCoordinator(t, ft, policy)

	ft.queue(&kmsg.FindCoordinatorResponse{ErrorCode: 0, NodeID: 7})
	ft.queue(&kmsg.JoinGroupResponse{
		ErrorCode: 0, GenerationID: 1, MemberID: "m1", Leader: "m2", ProtocolName: "range",
	})
	ft.queue(&kmsg.SyncGroupResponse{ErrorCode: 0, MemberAssignment: []byte{0x0A, 0x0B}})

	err := c.EnsureActiveGroup(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), c.Generation())
	assert.Equal(t, "m1", c.MemberID())
	assert.Equal(t, "range", c.Protocol())
	assert.Equal(t, int32(7), c.coordinatorID)
	assert.False(t, c.NeedRejoin())
	require.Len(t, policy.completions, 1)
	assert.Equal(t, completion{1, "m1", "range", []byte{0x0A, 0x0B}}, policy.completions[0])
}

// scenario 2: clean join as leader.
func TestEnsureActiveGroup_CleanJoinLeader(t *testing.T) {
	ft := newFakeTransport(t)
	policy := &fakePolicy{
		protocol: "range",
		assignFn: func(leaderID, protocol string, members []GroupMember) (map[string]Encodable, error) {
			assert.Equal(t, "m1", leaderID)
			assert.Equal(t, "range", protocol)
			require.Len(t, members, 2)
			return map[string]Encodable{
				"m1": Bytes([]byte{0xAA}),
				"m2": Bytes([]byte{0xBB}),
			}, nil
		},
	}
	c := newTestCoordinator(t, ft, policy)

	ft.queue(&kmsg.FindCoordinatorResponse{ErrorCode: 0, NodeID: 7})
	ft.queue(&kmsg.JoinGroupResponse{
		ErrorCode: 0, GenerationID: 1, MemberID: "m1", Leader: "m1", ProtocolName: "range",
		Members: []kmsg.JoinGroupResponseMember{
			{MemberID: "m1", Metadata: []byte{0x01}},
			{MemberID: "m2", Metadata: []byte{0x02}},
		},
	})
	ft.queue(&kmsg.SyncGroupResponse{ErrorCode: 0, MemberAssignment: []byte{0xAA}})

	err := c.EnsureActiveGroup(context.Background())
	require.NoError(t, err)

	require.Len(t, ft.sent, 3)
	syncReq := ft.sent[2].(*kmsg.SyncGroupRequest)
	assert.Len(t, syncReq.GroupAssignment, 2)
	require.Len(t, policy.completions, 1)
	assert.Equal(t, []byte{0xAA}, policy.completions[0].assignment)
}

// scenario 3: UnknownMemberId on join resets memberId and retries with no
// backoff.
func TestEnsureActiveGroup_UnknownMemberIDRetriesImmediately(t *testing.T) {
	ft := newFakeTransport(t)
	policy := &fakePolicy{protocol: "range"}
	c := newTestCoordinator(t, ft, policy)
	c.memberID = "stale"

	ft.queue(&kmsg.FindCoordinatorResponse{ErrorCode: 0, NodeID: 7})
	ft.queue(&kmsg.JoinGroupResponse{ErrorCode: int16(kerr.UnknownMemberID.Code)})
	ft.queue(&kmsg.JoinGroupResponse{ErrorCode: 0, GenerationID: 1, MemberID: "m1", Leader: "m1", ProtocolName: "range"})
	policy.assignFn = func(string, string, []GroupMember) (map[string]Encodable, error) {
		return map[string]Encodable{"m1": Bytes(nil)}, nil
	}
	ft.queue(&kmsg.SyncGroupResponse{ErrorCode: 0})

	start := time.Now()
	err := c.EnsureActiveGroup(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Millisecond, "must not sleep on an Immediate error")

	require.Len(t, ft.sent, 4)
	secondJoin := ft.sent[2].(*kmsg.JoinGroupRequest)
	assert.Equal(t, "", secondJoin.MemberID)
}

// scenario 4: coordinator move during heartbeat.
func TestHeartbeat_CoordinatorMoveDuringHeartbeat(t *testing.T) {
	ft := newFakeTransport(t)
	policy := &fakePolicy{protocol: "range"}
	c := newTestCoordinator(t, ft, policy)

	c.coordinatorID = 7
	c.generation = 3
	c.memberID = "m1"
	c.needRejoin = false
	c.heartbeat.Reset()

	ft.queue(&kmsg.HeartbeatResponse{ErrorCode: int16(kerr.NotCoordinatorForGroup.Code)})
	ft.advance(ft.now.Add(200 * time.Millisecond)) // past heartbeatInterval, within sessionTimeout

	assert.True(t, c.CoordinatorUnknown())
	assert.False(t, c.NeedRejoin(), "only coordinator discovery is required, not a full rejoin")

	// Next firing must be a no-op: the task sees coordinatorUnknown() and
	// returns without sending anything.
	sentBefore := len(ft.sent)
	ft.advance(ft.now.Add(100 * time.Millisecond))
	assert.Equal(t, sentBefore, len(ft.sent))
}

// scenario 5: session expiry.
func TestHeartbeat_SessionExpiry(t *testing.T) {
	ft := newFakeTransport(t)
	policy := &fakePolicy{protocol: "range"}
	c := newTestCoordinator(t, ft, policy)

	c.coordinatorID = 7
	c.generation = 3
	c.memberID = "m1"
	c.needRejoin = false
	c.heartbeat.Reset()

	ft.advance(ft.now.Add(2 * time.Second)) // past sessionTimeout with no heartbeat response

	assert.True(t, c.CoordinatorUnknown())
}

// scenario 6: graceful close.
func TestClose_GracefulAndIdempotent(t *testing.T) {
	ft := newFakeTransport(t)
	policy := &fakePolicy{protocol: "range"}
	c := newTestCoordinator(t, ft, policy)

	c.coordinatorID = 7
	c.generation = 5
	c.memberID = "m1"
	c.needRejoin = false

	ft.queue(&kmsg.LeaveGroupResponse{ErrorCode: 0})
	err := c.Close(context.Background())
	require.NoError(t, err)

	assert.Equal(t, DefaultGeneration, c.Generation())
	assert.Equal(t, UnknownMemberID, c.MemberID())
	assert.True(t, c.NeedRejoin())
	require.Len(t, ft.sent, 1)
	leaveReq := ft.sent[0].(*kmsg.LeaveGroupRequest)
	assert.Equal(t, "m1", leaveReq.MemberID)

	sentBefore := len(ft.sent)
	err = c.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sentBefore, len(ft.sent), "second close must send no network traffic")
}

// Prepare-before-join: onJoinPrepare runs exactly once per rejoin chain.
func TestPrepareBeforeJoin_CalledOnce(t *testing.T) {
	ft := newFakeTransport(t)
	policy := &fakePolicy{protocol: "range"}
	c := newTestCoordinator(t, ft, policy)

	ft.queue(&kmsg.FindCoordinatorResponse{ErrorCode: 0, NodeID: 7})
	ft.queue(&kmsg.JoinGroupResponse{ErrorCode: int16(kerr.RebalanceInProgress.Code)})
	ft.queue(&kmsg.JoinGroupResponse{ErrorCode: 0, GenerationID: 1, MemberID: "m1", Leader: "m1", ProtocolName: "range"})
	policy.assignFn = func(string, string, []GroupMember) (map[string]Encodable, error) {
		return map[string]Encodable{"m1": Bytes(nil)}, nil
	}
	ft.queue(&kmsg.SyncGroupResponse{ErrorCode: 0})

	require.NoError(t, c.EnsureActiveGroup(context.Background()))
	assert.Equal(t, 1, policy.prepareCalls)
}
