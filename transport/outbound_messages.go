package transport

import "github.com/google/uuid"

// OutboundMessages is the authoritative registry of messages this node has
// injected (originated or is forwarding) that still require transmission
// somewhere. It is the sole arbiter of SN assignment (spec.md §4.2, §5) and
// tracks, for every live reliable message, which of its remaining targets
// have not yet acknowledged it.
type OutboundMessages struct {
	self uuid.UUID

	nextReliableSN   SequenceNumber
	nextUnreliableSN SequenceNumber

	// live indexes every message this node still holds a registry entry
	// for, keyed by (source, reliability, sn) so forwarded messages
	// (source != self) can't collide with self-originated ones, or with
	// each other when two independent originators happen to pick the same
	// sn. The wire ack_header carries no source field of its own (spec.md
	// §6), so callers acknowledging a received SN must first recover the
	// source from elsewhere (Core does this via the link's own
	// TransmitQueue, which still holds the message being acked).
	live map[messageKey]*Message
}

type messageKey struct {
	source      uuid.UUID
	reliability Reliability
	sn          SequenceNumber
}

// NewOutboundMessages creates the registry for a node identified by self.
func NewOutboundMessages(self uuid.UUID) *OutboundMessages {
	return &OutboundMessages{
		self: self,
		live: make(map[messageKey]*Message),
	}
}

// BroadcastReliable assigns the next reliable SN in this node's own
// sequence space, registers a reliable Message addressed to targets, and
// returns it so the caller (Core) can insert it into every matching
// TransmitQueue. The message persists in the registry until every target
// has acknowledged it.
func (o *OutboundMessages) BroadcastReliable(bytes []byte, targets []uuid.UUID) *Message {
	sn := o.nextReliableSN
	o.nextReliableSN = o.nextReliableSN.Next()

	m := newMessage(o.self, bytes, Reliable, 0, targets)
	m.SN = sn
	o.register(m)
	return m
}

// BroadcastUnreliable assigns the next unreliable SN, registers an
// unreliable Message carrying userID for receiver-side dedup, and returns
// it. Unreliable messages are released from each link after one
// transmission to each of that link's interested targets, independent of
// acknowledgement.
func (o *OutboundMessages) BroadcastUnreliable(userID uint64, bytes []byte, targets []uuid.UUID) *Message {
	sn := o.nextUnreliableSN
	o.nextUnreliableSN = o.nextUnreliableSN.Next()

	m := newMessage(o.self, bytes, Unreliable, userID, targets)
	m.SN = sn
	o.register(m)
	return m
}

// Inject registers a message this node did not originate but is forwarding
// one hop further, preserving its original source and SN (spec.md §4.5).
func (o *OutboundMessages) Inject(m *Message) {
	o.register(m)
}

func (o *OutboundMessages) register(m *Message) {
	key := messageKey{source: m.Source, reliability: m.Reliability, sn: m.SN}
	o.live[key] = m
}

// Acknowledge is called by Core for every SN carried in a received AckSet,
// once Core has recovered which source that SN actually belongs to (the
// wire ack_header carries no source of its own, spec.md §6). It removes
// ackingPeer from the matching live reliable message's target set. Acks for
// an SN this registry no longer has a live entry for, or for a peer that
// was never (or is no longer) a pending target of it, are reported via
// ErrUnknownAck — tolerated by the caller, per spec.md §7, not propagated
// as a failure.
func (o *OutboundMessages) Acknowledge(source uuid.UUID, sn SequenceNumber, ackingPeer uuid.UUID) error {
	key := messageKey{source: source, reliability: Reliable, sn: sn}
	m, ok := o.live[key]
	if !ok || !m.hasTarget(ackingPeer) {
		return ErrUnknownAck
	}
	m.removeTarget(ackingPeer)
	return nil
}

// Release is called by a TransmitQueue when it removes its reference to m
// (either because the intersection with the link's targets went empty, or
// because m's own Targets emptied). It decrements m's hold count and, once
// the hold count reaches zero and Targets is empty, forgets the registry
// entry — the message is fully destroyed at that point (spec.md §3).
func (o *OutboundMessages) Release(m *Message) {
	m.refs--
	if m.refs > 0 || len(m.Targets) != 0 {
		return
	}

	key := messageKey{source: m.Source, reliability: m.Reliability, sn: m.SN}
	delete(o.live, key)
}

// Live reports whether a registry entry for m still exists, for tests that
// want to assert on full-ack teardown.
func (o *OutboundMessages) Live(m *Message) bool {
	key := messageKey{source: m.Source, reliability: m.Reliability, sn: m.SN}
	_, ok := o.live[key]
	return ok
}
