// Package coordinator implements client-side group membership against a
// Kafka-style partitioned log broker: coordinator discovery, the
// JoinGroup/SyncGroup handshake, heartbeat scheduling, and rebalance
// detection. It is deliberately narrow — wire I/O, broker bookkeeping and
// protocol-specific assignment logic are pushed out to ClientTransport and
// GroupPolicy so this package owns only the membership state machine.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/kafka-go/pkg/kerr"
	"github.com/twmb/kafka-go/pkg/kmsg"
	"github.com/twmb/kcoord/pkg/errkind"
	"github.com/twmb/kcoord/pkg/future"
)

// DefaultGeneration is the generation value held before any successful
// JoinGroup.
const DefaultGeneration int32 = -1

// UnknownMemberID is the member id submitted on a member's very first
// JoinGroup, before the broker has assigned it one.
const UnknownMemberID = ""

// Coordinator tracks one client's membership in a single group. It is
// single-threaded and cooperative: every exported method
// and every ScheduledTask callback must run from the same goroutine that
// drives transport.Poll. No field below is protected by a mutex; that
// absence is the contract, not an oversight.
type Coordinator struct {
	cfg cfg

	transport ClientTransport
	policy    GroupPolicy
	log       *logrus.Entry

	coordinatorID   int32
	generation      int32
	memberID        string
	protocol        string
	needRejoin      bool
	rejoinAttempted bool

	heartbeat *HeartbeatTask
	clock     *HeartbeatClock

	closed bool
}

// New builds a Coordinator. WithPolicy and WithTransport are required;
// every other Opt has a default drawn from defaultCfg.
func New(opts ...Opt) (*Coordinator, error) {
	c := defaultCfg()
	for _, o := range opts {
		o.apply(&c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	co := &Coordinator{
		cfg:           c,
		transport:     c.transport,
		policy:        c.policy,
		log:           c.logger.WithField("group_id", c.groupID),
		coordinatorID: -1,
		generation:    DefaultGeneration,
		memberID:      UnknownMemberID,
		needRejoin:    true,
	}
	co.clock = NewHeartbeatClock(c.sessionTimeout, c.heartbeatInterval, c.now)
	co.heartbeat = newHeartbeatTask(co, co.clock)
	return co, nil
}

// GroupID returns the group this coordinator joins.
func (c *Coordinator) GroupID() string { return c.cfg.groupID }

// Generation returns the last generation this member successfully joined,
// or DefaultGeneration if it has never joined.
func (c *Coordinator) Generation() int32 { return c.generation }

// MemberID returns the broker-assigned member id, or UnknownMemberID
// before the first successful JoinGroup.
func (c *Coordinator) MemberID() string { return c.memberID }

// Protocol returns the group protocol name agreed on in the current
// generation, or "" if none is active.
func (c *Coordinator) Protocol() string { return c.protocol }

// NeedRejoin reports whether membership must be (re)established before
// heartbeats or other group operations may proceed.
func (c *Coordinator) NeedRejoin() bool { return c.needRejoin }

// CoordinatorUnknown reports whether this client has no coordinator
// currently on file, including one whose connection the transport has
// since dropped.
func (c *Coordinator) CoordinatorUnknown() bool {
	return c.coordinatorID < 0 || c.transport.IsDisconnected(c.coordinatorID)
}

// coordinatorDead discards the current coordinator assignment so it is
// rediscovered on the next EnsureCoordinatorKnown call. It does not by
// itself force a full rejoin: a coordinator move detected mid-heartbeat
// only needs rediscovery, not a new generation. Callers that do need a
// full rejoin (join/sync failures) set needRejoin themselves.
func (c *Coordinator) coordinatorDead() {
	if c.coordinatorID < 0 {
		return
	}
	c.log.Warn("marking coordinator dead")
	c.coordinatorID = -1
}

// EnsureCoordinatorKnown blocks, polling the transport, until a
// coordinator is on file or ctx is cancelled. It is safe to call
// redundantly; a known coordinator returns immediately.
func (c *Coordinator) EnsureCoordinatorKnown(ctx context.Context) error {
	for c.CoordinatorUnknown() {
		nodeID, ok := c.transport.LeastLoadedNode()
		if !ok {
			if err := c.awaitMetadata(ctx); err != nil {
				return err
			}
			continue
		}

		req := &kmsg.FindCoordinatorRequest{
			CoordinatorKey:  c.cfg.groupID,
			CoordinatorType: 0, // group coordinator
		}
		f := c.transport.Send(ctx, nodeID, req)
		if err := c.transport.Poll(ctx, f); err != nil {
			return err
		}
		resp, err := f.Get(ctx)
		if err != nil {
			c.log.WithError(err).Debug("find-coordinator request failed, retrying")
			if sleepErr := c.sleep(ctx); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		fc := resp.(*kmsg.FindCoordinatorResponse)
		if kerrErr := kerr.ErrorForCode(fc.ErrorCode); kerrErr != nil {
			c.log.WithError(kerrErr).Debug("find-coordinator returned an error, retrying")
			if sleepErr := c.sleep(ctx); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		if !c.transport.RecordCoordinator(c.cfg.groupID, fc) {
			continue
		}
		c.coordinatorID = fc.NodeID
		c.log.WithField("coordinator_id", c.coordinatorID).Info("discovered group coordinator")
	}
	return nil
}

func (c *Coordinator) awaitMetadata(ctx context.Context) error {
	f := c.transport.RequestMetadataUpdate(ctx)
	_, err := f.Get(ctx)
	return err
}

// sleep runs one bounded unit of background transport work, then waits
// retryBackoff (or until ctx is done).
func (c *Coordinator) sleep(ctx context.Context) error {
	if err := c.transport.Poll(ctx, nil); err != nil {
		return err
	}
	t := time.NewTimer(c.cfg.retryBackoff)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnsureActiveGroup drives JoinGroup/SyncGroup to completion, blocking
// until this member holds a synced generation or ctx is cancelled. It is
// the method callers invoke before doing group-gated work and before
// arming the heartbeat task.
func (c *Coordinator) EnsureActiveGroup(ctx context.Context) error {
	if err := c.EnsureCoordinatorKnown(ctx); err != nil {
		return err
	}
	if !c.needRejoin {
		return nil
	}

	if !c.rejoinAttempted {
		c.policy.OnJoinPrepare(ctx, c.generation, c.memberID)
		c.rejoinAttempted = true
	}

	for c.needRejoin {
		if err := c.EnsureCoordinatorKnown(ctx); err != nil {
			return err
		}
		err := c.performGroupJoin(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if errkind.KindOf(err) == errkind.Fatal {
			c.rejoinAttempted = false
			return err
		}
		c.log.WithError(err).Debug("group join attempt failed, retrying")
		// Immediate errors (e.g. UnknownMemberId) retry at once, with no
		// backoff; only Retriable errors sleep.
		if errkind.KindOf(err) == errkind.Retriable {
			if sleepErr := c.sleep(ctx); sleepErr != nil {
				return sleepErr
			}
		}
	}
	c.rejoinAttempted = false
	c.heartbeat.Reset()
	return nil
}

// performGroupJoin runs one JoinGroup+SyncGroup round trip. A non-nil
// error means the attempt failed and should be retried from the top by
// the caller; needRejoin is left true.
func (c *Coordinator) performGroupJoin(ctx context.Context) error {
	protocols := c.policy.GroupProtocols()
	kmsgProtocols := make([]kmsg.JoinGroupRequestProtocol, len(protocols))
	for i, p := range protocols {
		kmsgProtocols[i] = kmsg.JoinGroupRequestProtocol{
			Name:     p.Name,
			Metadata: p.Metadata.Encode(),
		}
	}

	req := &kmsg.JoinGroupRequest{
		GroupID:                c.cfg.groupID,
		SessionTimeoutMillis:   int32(c.cfg.sessionTimeout.Milliseconds()),
		RebalanceTimeoutMillis: int32(c.cfg.sessionTimeout.Milliseconds()),
		MemberID:               c.memberID,
		ProtocolType:           c.policy.ProtocolType(),
		Protocols:              kmsgProtocols,
	}

	f := c.transport.Send(ctx, c.coordinatorID, req)
	if err := c.transport.Poll(ctx, f); err != nil {
		return err
	}
	resp, err := f.Get(ctx)
	if err != nil {
		return err
	}
	return c.handleJoinGroupResponse(ctx, resp.(*kmsg.JoinGroupResponse))
}

// handleJoinGroupResponse processes a JoinGroupResponse: on success it
// clears needRejoin immediately, before SyncGroup runs, records the new
// generation/member id/protocol, performs assignment if elected leader,
// and then runs SyncGroup. Any failure from here on re-arms needRejoin.
func (c *Coordinator) handleJoinGroupResponse(ctx context.Context, resp *kmsg.JoinGroupResponse) error {
	if kerrErr := kerr.ErrorForCode(resp.ErrorCode); kerrErr != nil {
		classified := classify(kerrErr, c.cfg.groupID)
		switch errkind.KindOf(classified) {
		case errkind.Immediate:
			if errors.Is(kerrErr, kerr.MemberIDRequired) {
				c.memberID = resp.MemberID
			} else if errors.Is(kerrErr, kerr.UnknownMemberID) {
				c.memberID = UnknownMemberID
			}
			return classified
		case errkind.Fatal:
			c.needRejoin = true
			return classified
		default:
			if errors.Is(kerrErr, kerr.CoordinatorNotAvailable) || errors.Is(kerrErr, kerr.NotCoordinatorForGroup) {
				c.coordinatorDead()
			}
			return classified
		}
	}

	c.generation = resp.GenerationID
	c.memberID = resp.MemberID
	c.protocol = resp.ProtocolName
	c.needRejoin = false

	if resp.Leader == resp.MemberID {
		members := make([]GroupMember, len(resp.Members))
		for i, m := range resp.Members {
			members[i] = GroupMember{MemberID: m.MemberID, Metadata: m.Metadata}
		}
		computed, err := c.policy.PerformAssignment(resp.Leader, resp.ProtocolName, members)
		if err != nil {
			c.needRejoin = true
			return fmt.Errorf("kcoord: leader assignment failed: %w", err)
		}
		return c.sendSyncGroup(ctx, computed)
	}

	return c.sendSyncGroup(ctx, nil)
}

// sendSyncGroup issues SyncGroup. assignments is non-nil only on the
// member elected leader, per the protocol: every other member submits an
// empty assignment list and waits for the broker to relay its piece back.
func (c *Coordinator) sendSyncGroup(ctx context.Context, assignments map[string]Encodable) error {
	var group []kmsg.SyncGroupRequestGroupAssignment
	if assignments != nil {
		group = make([]kmsg.SyncGroupRequestGroupAssignment, 0, len(assignments))
		for memberID, enc := range assignments {
			group = append(group, kmsg.SyncGroupRequestGroupAssignment{
				MemberID:   memberID,
				Assignment: enc.Encode(),
			})
		}
	}

	req := &kmsg.SyncGroupRequest{
		GroupID:         c.cfg.groupID,
		GenerationID:    c.generation,
		MemberID:        c.memberID,
		ProtocolType:    c.policy.ProtocolType(),
		ProtocolName:    c.protocol,
		GroupAssignment: group,
	}

	f := c.transport.Send(ctx, c.coordinatorID, req)
	if err := c.transport.Poll(ctx, f); err != nil {
		return err
	}
	resp, err := f.Get(ctx)
	if err != nil {
		return err
	}
	return c.handleSyncGroupResponse(ctx, resp.(*kmsg.SyncGroupResponse))
}

// handleSyncGroupResponse processes a SyncGroupResponse: failure here
// resets needRejoin back to true (the join half already cleared it), so
// the whole handshake retries cleanly from performGroupJoin.
func (c *Coordinator) handleSyncGroupResponse(ctx context.Context, resp *kmsg.SyncGroupResponse) error {
	if kerrErr := kerr.ErrorForCode(resp.ErrorCode); kerrErr != nil {
		c.needRejoin = true
		if errors.Is(kerrErr, kerr.RebalanceInProgress) {
			return fmt.Errorf("kcoord: sync group: rebalance in progress: %w", kerrErr)
		}
		if errors.Is(kerrErr, kerr.IllegalGeneration) || errors.Is(kerrErr, kerr.UnknownMemberID) {
			c.generation = DefaultGeneration
			c.memberID = UnknownMemberID
			return fmt.Errorf("kcoord: sync group: membership invalidated: %w", kerrErr)
		}
		if errors.Is(kerrErr, kerr.CoordinatorNotAvailable) || errors.Is(kerrErr, kerr.NotCoordinatorForGroup) {
			c.coordinatorDead()
		}
		return classify(kerrErr, c.cfg.groupID)
	}

	c.policy.OnJoinComplete(ctx, c.generation, c.memberID, c.protocol, resp.MemberAssignment)
	return nil
}

// SendHeartbeat issues one Heartbeat request. It is exported so
// HeartbeatTask can call it, and so a caller wanting an immediate,
// out-of-band liveness probe may do the same.
func (c *Coordinator) SendHeartbeat(ctx context.Context) *future.Cell[kmsg.Response] {
	req := &kmsg.HeartbeatRequest{
		GroupID:      c.cfg.groupID,
		GenerationID: c.generation,
		MemberID:     c.memberID,
	}
	out := future.New[kmsg.Response]()
	f := c.transport.Send(ctx, c.coordinatorID, req)
	f.OnSuccess(func(resp kmsg.Response) {
		if err := c.handleHeartbeatResponse(resp.(*kmsg.HeartbeatResponse)); err != nil {
			out.Failure(err)
			return
		}
		out.Success(resp)
	})
	f.OnFailure(out.Failure)
	return out
}

// handleHeartbeatResponse processes a HeartbeatResponse: most error codes
// force a rejoin; CoordinatorNotAvailable/NotCoordinatorForGroup instead
// only mark the coordinator dead so it is rediscovered, leaving needRejoin
// as it was.
func (c *Coordinator) handleHeartbeatResponse(resp *kmsg.HeartbeatResponse) error {
	if kerrErr := kerr.ErrorForCode(resp.ErrorCode); kerrErr != nil {
		switch {
		case errors.Is(kerrErr, kerr.CoordinatorNotAvailable), errors.Is(kerrErr, kerr.NotCoordinatorForGroup):
			c.coordinatorDead()
		case errors.Is(kerrErr, kerr.RebalanceInProgress):
			c.needRejoin = true
		case errors.Is(kerrErr, kerr.IllegalGeneration), errors.Is(kerrErr, kerr.UnknownMemberID):
			c.needRejoin = true
			c.generation = DefaultGeneration
			c.memberID = UnknownMemberID
		default:
			c.needRejoin = true
		}
		return fmt.Errorf("kcoord: heartbeat failed: %w", kerrErr)
	}
	return nil
}

// Close releases this member's place in the group: it unschedules the
// heartbeat task and, if membership was ever established, sends
// LeaveGroup so the broker can rebalance without waiting out the full
// session timeout.
func (c *Coordinator) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.transport.Unschedule(c.heartbeat)

	if c.CoordinatorUnknown() || c.memberID == UnknownMemberID {
		return nil
	}

	req := &kmsg.LeaveGroupRequest{
		GroupID:  c.cfg.groupID,
		MemberID: c.memberID,
	}
	f := c.transport.Send(ctx, c.coordinatorID, req)
	if err := c.transport.Poll(ctx, f); err != nil {
		return err
	}
	_, err := f.Get(ctx)

	c.generation = DefaultGeneration
	c.memberID = UnknownMemberID
	c.needRejoin = true
	return err
}

// classify is the single seam between the broker's static kerr error
// table and this package's local Retriable/Immediate/Fatal taxonomy.
func classify(err error, groupID string) error {
	switch {
	case errors.Is(err, kerr.GroupAuthorizationFailed),
		errors.Is(err, kerr.InvalidGroupID),
		errors.Is(err, kerr.InconsistentGroupProtocol),
		errors.Is(err, kerr.UnsupportedVersion),
		errors.Is(err, kerr.InvalidSessionTimeout):
		return errkind.WithFatal(err, groupID)
	case errors.Is(err, kerr.MemberIDRequired),
		errors.Is(err, kerr.UnknownMemberID),
		errors.Is(err, kerr.IllegalGeneration),
		errors.Is(err, kerr.RebalanceInProgress):
		return errkind.WithImmediate(err)
	case kerr.IsRetriable(err):
		return errkind.WithRetriable(err)
	default:
		return errkind.WithFatal(err, groupID)
	}
}
