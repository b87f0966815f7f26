package transport

import (
	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"
)

// queueNode is one element of TransmitQueue's circular doubly linked list.
// A plain slice/index can't serve here: the rotation cursor must survive
// insertions and deletions (including deletion of the very node the cursor
// points at), which is exactly what an index into a mutating vector can't
// guarantee. See spec.md §9's design note and club/transmit_queue.h, whose
// std::list<shared_ptr<Message>> + iterator this mirrors.
type queueNode struct {
	msg        *Message
	prev, next *queueNode
}

// TransmitQueue is the per-outbound-link message queue: it holds a
// reference to every Message that might still need sending over one link,
// and a rotating cursor so that encoding fairly visits each message once
// per pass. Grounded directly on club/transmit_queue.h.
type TransmitQueue struct {
	outbound *OutboundMessages
	targets  map[uuid.UUID]struct{}

	// Invariant: next == nil iff the queue is empty.
	next *queueNode
	size int
}

// NewTransmitQueue creates an empty queue backed by outbound for release
// bookkeeping.
func NewTransmitQueue(outbound *OutboundMessages) *TransmitQueue {
	return &TransmitQueue{
		outbound: outbound,
		targets:  make(map[uuid.UUID]struct{}),
	}
}

// AddTarget registers that this link can reach peer, either because it is
// the link's direct remote endpoint or because the remote endpoint lists
// peer as a one-hop forwarding target.
func (tq *TransmitQueue) AddTarget(peer uuid.UUID) {
	tq.targets[peer] = struct{}{}
}

// Empty reports whether the queue currently holds no messages.
func (tq *TransmitQueue) Empty() bool {
	return tq.next == nil
}

// Len returns the number of messages currently queued.
func (tq *TransmitQueue) Len() int {
	return tq.size
}

// InsertMessage inserts m just before the current cursor, so it is
// considered last in the current rotation. The registry's hold count on m
// is bumped — TransmitQueue counts as one of the live references spec.md
// §8 expects to equal "the number of links that would transmit M on their
// next pass."
func (tq *TransmitQueue) InsertMessage(m *Message) {
	m.refs++

	node := &queueNode{msg: m}

	if tq.next == nil {
		node.next = node
		node.prev = node
		tq.next = node
		tq.size++
		return
	}

	cur := tq.next
	node.next = cur
	node.prev = cur.prev
	cur.prev.next = node
	cur.prev = node
	tq.size++
}

func (tq *TransmitQueue) circularIncrement(n *queueNode) *queueNode {
	return n.next
}

// FindReliable returns the currently queued reliable message with the given
// sequence number, if any, without disturbing the rotation cursor. Core uses
// this to recover a message's originating source when an ack arrives
// bearing only an SN, since the wire ack_header carries no source field of
// its own (spec.md §6).
func (tq *TransmitQueue) FindReliable(sn SequenceNumber) *Message {
	if tq.next == nil {
		return nil
	}
	n := tq.next
	for i := 0; i < tq.size; i++ {
		if n.msg.Reliability == Reliable && n.msg.SN == sn {
			return n.msg
		}
		n = n.next
	}
	return nil
}

// eraseNode removes n from the list, releasing TransmitQueue's hold on its
// message through OutboundMessages.Release.
func (tq *TransmitQueue) eraseNode(n *queueNode) {
	tq.outbound.Release(n.msg)

	if n.next == n {
		tq.next = nil
		tq.size = 0
		return
	}

	n.prev.next = n.next
	n.next.prev = n.prev
	if tq.next == n {
		tq.next = n.next
	}
	tq.size--
}

// EncodeFew packs as many queued messages as enc's remaining MTU allows
// into the current datagram and returns how many were encoded, plus any
// messages found to be fatally oversize (spec.md §7: a message that can't
// fit an otherwise-empty datagram never will, and must not be retried
// forever).
//
// This is the rotation algorithm from spec.md §4.3 / club/transmit_queue.h
// encode_few: every message gets a fair turn before any is retransmitted
// again; unreliable messages traverse this link at most once regardless of
// later retransmissions driven by reliable traffic; a single too-large
// message cannot stall the queue, because the encoder rollback leaves the
// cursor pointed at the offending message for the caller to retry alone —
// unless the datagram was already empty, in which case retrying can never
// help and the message is dropped as oversize instead.
func (tq *TransmitQueue) EncodeFew(enc *datagramEncoder) (count int, oversized []*Message) {
	if tq.next == nil {
		return 0, nil
	}

	initialPos, _ := enc.checkpoint()
	last := tq.next.prev

	for {
		current := tq.next
		tq.next = tq.circularIncrement(tq.next)

		isLast := current == last

		intersection := current.msg.intersectTargets(tq.targets)

		if len(intersection) == 0 {
			tq.eraseNode(current)
			if tq.next == nil {
				break
			}
			continue
		}

		if !tq.tryEncode(enc, intersection, current.msg) {
			pos, _ := enc.checkpoint()
			if count == 0 && pos == initialPos {
				if reason := enc.Reason(); reason != nil {
					log.WithFields(log.Fields{
						"source": current.msg.Source,
						"sn":     current.msg.SN,
						"error":  reason,
					}).Warn("Dropping message that can never be encoded")
				}
				oversized = append(oversized, current.msg)
				tq.eraseNode(current)
				if tq.next == nil {
					break
				}
				continue
			}
			tq.next = current
			break
		}

		count++

		// Unreliable entries are sent only once per link, regardless of
		// which of the message's targets the link could actually reach
		// just now: the link has discharged its one duty toward all of
		// its own targets.
		if current.msg.Reliability == Unreliable {
			for peer := range tq.targets {
				current.msg.removeTarget(peer)
			}
			if len(current.msg.Targets) == 0 {
				tq.eraseNode(current)
				if tq.next == nil {
					break
				}
			}
		}

		if isLast {
			break
		}
	}

	return count, oversized
}

// tryEncode is transactional: it checkpoints enc, attempts to write the
// record, and rolls back to the checkpoint on overflow without ever
// exposing the half-written record to a later caller.
func (tq *TransmitQueue) tryEncode(enc *datagramEncoder, targets []uuid.UUID, m *Message) bool {
	pos, errFlag := enc.checkpoint()

	enc.encodeMessageRecord(targets, m)

	if enc.Error() {
		enc.restore(pos, errFlag)
		return false
	}
	return true
}
