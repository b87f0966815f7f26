package transport

import (
	"testing"

	"github.com/google/uuid"
)

func newTestQueue(targets ...uuid.UUID) (*TransmitQueue, *OutboundMessages) {
	self := uuid.New()
	o := NewOutboundMessages(self)
	tq := NewTransmitQueue(o)
	for _, t := range targets {
		tq.AddTarget(t)
	}
	return tq, o
}

func TestTransmitQueueEmpty(t *testing.T) {
	tq, _ := newTestQueue()
	if !tq.Empty() {
		t.Fatalf("new queue should be empty")
	}
	enc := newDatagramEncoder(DefaultMTU)
	count, oversized := tq.EncodeFew(enc)
	if count != 0 || len(oversized) != 0 {
		t.Fatalf("encoding an empty queue should produce nothing")
	}
}

func TestTransmitQueueFairRotation(t *testing.T) {
	peer := uuid.New()
	tq, o := newTestQueue(peer)

	var msgs []*Message
	for i := 0; i < 3; i++ {
		m := o.BroadcastReliable([]byte{byte(i)}, []uuid.UUID{peer})
		tq.InsertMessage(m)
		msgs = append(msgs, m)
	}

	// A single pass with ample room should visit every message exactly
	// once and leave the cursor back at the first one, per the "fair
	// rotation" contract (spec.md §4.3 / club/transmit_queue.h encode_few).
	enc := newDatagramEncoder(DefaultMTU)
	count, oversized := tq.EncodeFew(enc)
	if count != 3 || len(oversized) != 0 {
		t.Fatalf("expected all 3 messages encoded in one pass, got count=%d oversized=%v", count, oversized)
	}
	if tq.Len() != 3 {
		t.Fatalf("reliable messages remain queued until acknowledged, got len=%d", tq.Len())
	}
}

func TestTransmitQueueDropsIntersectionEmpty(t *testing.T) {
	peer := uuid.New()
	other := uuid.New()
	tq, o := newTestQueue(peer)

	// Message addressed only to a peer this queue's link cannot reach.
	m := o.BroadcastUnreliable(1, []byte("x"), []uuid.UUID{other})
	tq.InsertMessage(m)

	enc := newDatagramEncoder(DefaultMTU)
	count, oversized := tq.EncodeFew(enc)
	if count != 0 || len(oversized) != 0 {
		t.Fatalf("expected nothing encoded, got count=%d oversized=%v", count, oversized)
	}
	if !tq.Empty() {
		t.Fatalf("message with no reachable target should have been dropped from the queue")
	}
	if !o.Live(m) {
		t.Fatalf("message whose target is still pending should stay registered after its last queue dropped it")
	}
}

func TestTransmitQueueUnreliableReleasedAfterOneSend(t *testing.T) {
	peer := uuid.New()
	tq, o := newTestQueue(peer)

	m := o.BroadcastUnreliable(1, []byte("once"), []uuid.UUID{peer})
	tq.InsertMessage(m)

	enc := newDatagramEncoder(DefaultMTU)
	count, _ := tq.EncodeFew(enc)
	if count != 1 {
		t.Fatalf("expected 1 message encoded, got %d", count)
	}
	if !tq.Empty() {
		t.Fatalf("unreliable message should be removed from the queue after its one send")
	}
	if o.Live(m) {
		t.Fatalf("unreliable message should be fully released after its one send")
	}
}

func TestTransmitQueueOversizeMessageDropped(t *testing.T) {
	peer := uuid.New()
	tq, o := newTestQueue(peer)

	m := o.BroadcastReliable(make([]byte, DefaultMTU*2), []uuid.UUID{peer})
	tq.InsertMessage(m)

	enc := newDatagramEncoder(DefaultMTU)
	enc.writeHeader(uuid.New(), &AckSet{})

	count, oversized := tq.EncodeFew(enc)
	if count != 0 {
		t.Fatalf("expected no messages encoded, got %d", count)
	}
	if len(oversized) != 1 || oversized[0] != m {
		t.Fatalf("expected the oversize message reported, got %v", oversized)
	}
	if !tq.Empty() {
		t.Fatalf("oversize message should have been removed from the queue")
	}
}

func TestTransmitQueueStallsOnOverflowNotDrop(t *testing.T) {
	peer := uuid.New()
	tq, o := newTestQueue(peer)

	small := o.BroadcastReliable([]byte("small"), []uuid.UUID{peer})
	tq.InsertMessage(small)
	// Sized to fit alone in a fresh datagram but not alongside small.
	big := o.BroadcastReliable(make([]byte, 1400), []uuid.UUID{peer})
	tq.InsertMessage(big)

	enc := newDatagramEncoder(DefaultMTU)
	enc.writeHeader(uuid.New(), &AckSet{})
	count, oversized := tq.EncodeFew(enc)
	if count != 1 {
		t.Fatalf("expected exactly the small message encoded, got count=%d", count)
	}
	if len(oversized) != 0 {
		t.Fatalf("the big message can fit alone later; it must not be reported oversize here")
	}
	if tq.Len() != 2 {
		t.Fatalf("both messages should remain queued, got %d", tq.Len())
	}

	// A second pass with a fresh, empty datagram should place the big
	// message first (the cursor was left pointing at it).
	enc2 := newDatagramEncoder(DefaultMTU)
	enc2.writeHeader(uuid.New(), &AckSet{})
	count2, oversized2 := tq.EncodeFew(enc2)
	if count2 != 1 || len(oversized2) != 0 {
		t.Fatalf("expected the big message encoded alone on the next pass, got count=%d oversized=%v", count2, oversized2)
	}
}
