// Package rangeassign is a minimal, stateless coordinator.GroupPolicy
// implementing the "range" group protocol. It carries no offset-commit
// or fetch semantics; those remain explicit GroupPolicy extension points
// a real consumer would add. It assigns whole topics round-robin across
// the sorted member list rather than individual partitions.
package rangeassign

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/twmb/kcoord/pkg/coordinator"
)

// Metadata is the per-member protocol metadata submitted on JoinGroup:
// the list of topics this member wants a share of, encoded as a
// newline-joined string for simplicity.
type Metadata struct {
	Topics []string
}

func (m Metadata) Encode() []byte {
	b := make([]byte, 0, 64)
	for i, t := range m.Topics {
		if i > 0 {
			b = append(b, '\n')
		}
		b = append(b, t...)
	}
	return b
}

// Assignment is what each member receives back from SyncGroup: its share
// of the requested topics.
type Assignment struct {
	Topics []string
}

func (a Assignment) Encode() []byte {
	return Metadata{Topics: a.Topics}.Encode()
}

// Policy is a coordinator.GroupPolicy that hands out whole topics to
// members round-robin under the "range" protocol name.
type Policy struct {
	log    *logrus.Entry
	topics []string

	onComplete func(generation int32, memberID, protocol string, assignment Assignment)
}

// New builds a Policy that requests a share of topics on every join.
// onComplete, if non-nil, is invoked once per successfully joined
// generation with this member's resulting assignment.
func New(topics []string, onComplete func(int32, string, string, Assignment)) *Policy {
	return &Policy{
		log:        logrus.NewEntry(logrus.StandardLogger()).WithField("policy", "range"),
		topics:     topics,
		onComplete: onComplete,
	}
}

func (p *Policy) ProtocolType() string { return "consumer" }

func (p *Policy) GroupProtocols() []coordinator.ProtocolMetadata {
	return []coordinator.ProtocolMetadata{
		{Name: "range", Metadata: Metadata{Topics: p.topics}},
	}
}

func (p *Policy) OnJoinPrepare(ctx context.Context, generation int32, memberID string) {
	p.log.WithField("generation", generation).Debug("preparing to rejoin group")
}

// PerformAssignment hands each topic, in sorted order, to the next
// member in the sorted member list.
func (p *Policy) PerformAssignment(leaderID, protocol string, members []coordinator.GroupMember) (map[string]coordinator.Encodable, error) {
	if protocol != "range" {
		return nil, fmt.Errorf("rangeassign: unsupported protocol %q", protocol)
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.MemberID
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("rangeassign: no members to assign")
	}

	topics := make([]string, len(p.topics))
	copy(topics, p.topics)
	sort.Strings(topics)

	out := make(map[string][]string, len(ids))
	for _, id := range ids {
		out[id] = nil
	}
	for i, t := range topics {
		id := ids[i%len(ids)]
		out[id] = append(out[id], t)
	}

	result := make(map[string]coordinator.Encodable, len(ids))
	for id, ts := range out {
		result[id] = Assignment{Topics: ts}
	}
	return result, nil
}

func (p *Policy) OnJoinComplete(ctx context.Context, generation int32, memberID, protocol string, assignment []byte) {
	topics := decodeTopics(assignment)
	p.log.WithField("generation", generation).WithField("topics", topics).Info("joined generation")
	if p.onComplete != nil {
		p.onComplete(generation, memberID, protocol, Assignment{Topics: topics})
	}
}

func decodeTopics(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var topics []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			topics = append(topics, string(b[start:i]))
			start = i + 1
		}
	}
	topics = append(topics, string(b[start:]))
	return topics
}
