package transport

import "github.com/google/uuid"

// Reliability distinguishes the two delivery classes multiplexed over a
// single link's datagram stream (spec.md §1).
type Reliability uint8

const (
	// Unreliable delivery is best effort: at most once per link per target,
	// duplicate-suppressed by UserID if retransmissions arise.
	Unreliable Reliability = 0
	// Reliable delivery is at-least-once, retried until every target has
	// acknowledged, with receiver-side dedup yielding exactly-once delivery.
	Reliable Reliability = 1
)

func (r Reliability) String() string {
	if r == Reliable {
		return "reliable"
	}
	return "unreliable"
}

// Message is one logical payload in flight: its originating peer, the set
// of peers that still need to receive or acknowledge it, its wire bytes,
// delivery class, sequence number and (for unreliable messages) the user id
// used for receiver-side dedup.
//
// A single Message is reference-shared across every TransmitQueue that
// still needs to send it. refs counts those queue references explicitly
// (OutboundMessages' own registry entry adds nothing to it) — per
// spec.md §3/§9 this is an application-visible "is this message still
// live" question, not just a memory-reclaim detail, so it isn't left to
// the garbage collector.
type Message struct {
	Source      uuid.UUID
	Targets     map[uuid.UUID]struct{}
	Bytes       []byte
	Reliability Reliability
	SN          SequenceNumber
	UserID      uint64

	refs int
}

// newMessage builds a Message with its own copy of the target set. The
// caller (OutboundMessages) is responsible for assigning SN.
func newMessage(source uuid.UUID, bytes []byte, reliability Reliability, userID uint64, targets []uuid.UUID) *Message {
	set := make(map[uuid.UUID]struct{}, len(targets))
	for _, t := range targets {
		set[t] = struct{}{}
	}
	return &Message{
		Source:      source,
		Targets:     set,
		Bytes:       bytes,
		Reliability: reliability,
		UserID:      userID,
	}
}

// hasTarget reports whether peer is still a pending target of this message.
func (m *Message) hasTarget(peer uuid.UUID) bool {
	_, ok := m.Targets[peer]
	return ok
}

// removeTarget drops peer from the pending target set. It reports whether
// the target set is now empty.
func (m *Message) removeTarget(peer uuid.UUID) bool {
	delete(m.Targets, peer)
	return len(m.Targets) == 0
}

// targetList materializes the current pending targets as a slice, for
// encoding or for intersecting against a link's reachable set.
func (m *Message) targetList() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(m.Targets))
	for t := range m.Targets {
		out = append(out, t)
	}
	return out
}

// intersectTargets returns the subset of m.Targets reachable by a link that
// can reach the peers in reachable.
func (m *Message) intersectTargets(reachable map[uuid.UUID]struct{}) []uuid.UUID {
	var out []uuid.UUID
	for t := range m.Targets {
		if _, ok := reachable[t]; ok {
			out = append(out, t)
		}
	}
	return out
}
