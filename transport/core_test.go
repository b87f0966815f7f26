package transport

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

const flushWait = 500 * time.Millisecond

func TestUnreliableOneMessage(t *testing.T) {
	a := newHarnessNode(t)
	b := newHarnessNode(t)
	link(t, a, b)

	a.core.BroadcastUnreliable(1, []byte("hello"), []uuid.UUID{b.id})
	if err := a.core.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	got := expectReceived(t, b, flushWait)
	if got.source != a.id || got.reliability != Unreliable || string(got.bytes) != "hello" {
		t.Fatalf("unexpected delivery: %+v", got)
	}
}

func TestReliableOneMessage(t *testing.T) {
	a := newHarnessNode(t)
	b := newHarnessNode(t)
	link(t, a, b)

	m := a.core.BroadcastReliable([]byte("hi"), []uuid.UUID{b.id})
	if err := a.core.Flush(); err != nil {
		t.Fatalf("flush a: %v", err)
	}

	got := expectReceived(t, b, flushWait)
	if got.reliability != Reliable || string(got.bytes) != "hi" {
		t.Fatalf("unexpected delivery: %+v", got)
	}

	// b's receive loop folds the SN into its own link's AckSet and will
	// piggyback it on its next datagram; flushing b's side (even with
	// nothing of its own queued) still needs a send to carry the ack back.
	if err := b.core.Flush(); err != nil {
		t.Fatalf("flush b: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// The ack removes b from m's pending targets as soon as it arrives, but
	// the queue node is only reaped the next time a's queue is walked.
	if err := a.core.Flush(); err != nil {
		t.Fatalf("flush a again: %v", err)
	}

	var stillLive bool
	a.core.call(func() {
		stillLive = a.core.outbound.Live(m)
	})
	if stillLive {
		t.Fatalf("message should have been released once acked")
	}
}

func TestReliableManyMessages(t *testing.T) {
	a := newHarnessNode(t)
	b := newHarnessNode(t)
	link(t, a, b)

	const n = 20
	for i := 0; i < n; i++ {
		a.core.BroadcastReliable([]byte{byte(i)}, []uuid.UUID{b.id})
	}
	if err := a.core.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	seen := make(map[byte]bool)
	for i := 0; i < n; i++ {
		got := expectReceived(t, b, flushWait)
		seen[got.bytes[0]] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct messages, got %d", n, len(seen))
	}
}

func TestOneHopForwarding(t *testing.T) {
	a := newHarnessNode(t)
	b := newHarnessNode(t)
	c := newHarnessNode(t)
	link(t, a, b)
	link(t, b, c)

	// b already knows both a and c directly; a needs to learn that c is
	// reachable one hop further through its link to b.
	if err := a.core.AddForwardTarget(b.id, c.id); err != nil {
		t.Fatalf("add forward target: %v", err)
	}

	a.core.BroadcastReliable([]byte("via-b"), []uuid.UUID{c.id})
	if err := a.core.Flush(); err != nil {
		t.Fatalf("flush a: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := b.core.Flush(); err != nil {
		t.Fatalf("flush b: %v", err)
	}

	got := expectReceived(t, c, flushWait)
	if got.source != a.id || string(got.bytes) != "via-b" {
		t.Fatalf("unexpected delivery: %+v", got)
	}
}

func TestTwoTargetsBroadcast(t *testing.T) {
	a := newHarnessNode(t)
	b := newHarnessNode(t)
	c := newHarnessNode(t)
	link(t, a, b)
	link(t, a, c)

	a.core.BroadcastUnreliable(42, []byte("fanout"), []uuid.UUID{b.id, c.id})
	if err := a.core.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	gotB := expectReceived(t, b, flushWait)
	gotC := expectReceived(t, c, flushWait)
	if string(gotB.bytes) != "fanout" || string(gotC.bytes) != "fanout" {
		t.Fatalf("unexpected payloads: %+v %+v", gotB, gotC)
	}
}

func TestUnreliableDuplicateSuppressed(t *testing.T) {
	a := newHarnessNode(t)
	b := newHarnessNode(t)

	rec := decodedMessage{
		Source:      a.id,
		Targets:     []uuid.UUID{b.id},
		Reliability: Unreliable,
		UserID:      7,
		Bytes:       []byte("dup"),
	}

	b.core.call(func() {
		b.core.deliverIfNew(rec)
		b.core.deliverIfNew(rec)
	})

	expectReceived(t, b, flushWait)
	expectNoneReceived(t, b, 200*time.Millisecond)
}

// TestUnreliableManyMessagesInOrder is spec.md §8 scenario 2: 64 unreliable
// single-byte messages, expect all 64 delivered in sender order.
func TestUnreliableManyMessagesInOrder(t *testing.T) {
	a := newHarnessNode(t)
	b := newHarnessNode(t)
	link(t, a, b)

	const n = 64
	for i := 0; i < n; i++ {
		a.core.BroadcastUnreliable(uint64(i), []byte{byte(i)}, []uuid.UUID{b.id})
	}
	if err := a.core.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	for i := 0; i < n; i++ {
		got := expectReceived(t, b, flushWait)
		if got.bytes[0] != byte(i) {
			t.Fatalf("message %d out of order: got byte %d", i, got.bytes[0])
		}
	}
	expectNoneReceived(t, b, 200*time.Millisecond)
}

// TestUnreliableBroadcastReachesDirectAndForwardedTargets is spec.md §8
// scenario 3: a single broadcast whose targets span both a's direct link (to
// b) and a one-hop-forwarded peer (c, reachable through b) must reach both.
func TestUnreliableBroadcastReachesDirectAndForwardedTargets(t *testing.T) {
	a := newHarnessNode(t)
	b := newHarnessNode(t)
	c := newHarnessNode(t)
	link(t, a, b)
	link(t, b, c)

	if err := a.core.AddForwardTarget(b.id, c.id); err != nil {
		t.Fatalf("add forward target: %v", err)
	}

	a.core.BroadcastUnreliable(9, []byte{0, 1, 2, 3}, []uuid.UUID{b.id, c.id})
	if err := a.core.Flush(); err != nil {
		t.Fatalf("flush a: %v", err)
	}

	gotB := expectReceived(t, b, flushWait)
	if gotB.source != a.id || !bytes.Equal(gotB.bytes, []byte{0, 1, 2, 3}) {
		t.Fatalf("unexpected delivery at b: %+v", gotB)
	}

	time.Sleep(50 * time.Millisecond)
	if err := b.core.Flush(); err != nil {
		t.Fatalf("flush b: %v", err)
	}

	gotC := expectReceived(t, c, flushWait)
	if gotC.source != a.id || !bytes.Equal(gotC.bytes, []byte{0, 1, 2, 3}) {
		t.Fatalf("unexpected delivery at c: %+v", gotC)
	}
}

// TestReliableManyMessagesOutOfOrderDelivery is spec.md §8 scenario 4: under
// a substrate that can reorder arrivals (loss followed by retransmission),
// 100 reliable messages must still reach the application in strict sender
// order. Arrival order is permuted directly (odd SNs before even) to stand
// in for the reordering a lossy substrate would itself induce, since the
// in-order delivery cursor cares only about arrival order, not about how
// that order came about.
func TestReliableManyMessagesOutOfOrderDelivery(t *testing.T) {
	a := newHarnessNode(t)
	b := newHarnessNode(t)

	const n = 100
	recs := make([]decodedMessage, n)
	for i := 0; i < n; i++ {
		recs[i] = decodedMessage{
			Source:      a.id,
			Targets:     []uuid.UUID{b.id},
			Reliability: Reliable,
			SN:          SequenceNumber(i),
			Bytes:       []byte{byte(i)},
		}
	}

	var arrival []decodedMessage
	for i := 1; i < n; i += 2 {
		arrival = append(arrival, recs[i])
	}
	for i := 0; i < n; i += 2 {
		arrival = append(arrival, recs[i])
	}

	b.core.call(func() {
		for _, rec := range arrival {
			b.core.deliverIfNew(rec)
		}
	})

	for i := 0; i < n; i++ {
		got := expectReceived(t, b, flushWait)
		if got.bytes[0] != byte(i) {
			t.Fatalf("delivery %d out of order: got byte %d", i, got.bytes[0])
		}
	}
	expectNoneReceived(t, b, 200*time.Millisecond)
}

// TestCausalSendInsideReceiveCallback is spec.md §8 scenario 5: an
// application callback that broadcasts back to the sender from inside
// on_receive must not deadlock, and both payloads must be delivered exactly
// once to their respective destinations.
func TestCausalSendInsideReceiveCallback(t *testing.T) {
	n1 := &harnessNode{id: uuid.New(), recv: make(chan receivedMessage, 64)}
	n2 := &harnessNode{id: uuid.New(), recv: make(chan receivedMessage, 64)}

	var replyOnce sync.Once
	n1.core = NewCore(n1.id, func(source uuid.UUID, reliability Reliability, bytes []byte) {
		n1.recv <- receivedMessage{source: source, reliability: reliability, bytes: bytes}
	})
	n2.core = NewCore(n2.id, func(source uuid.UUID, reliability Reliability, bytes []byte) {
		n2.recv <- receivedMessage{source: source, reliability: reliability, bytes: bytes}
		replyOnce.Do(func() {
			n2.core.BroadcastReliable([]byte{4, 5, 6, 7}, []uuid.UUID{n1.id})
			if err := n2.core.Flush(); err != nil {
				t.Errorf("flush n2 from within on_receive: %v", err)
			}
		})
	})

	link(t, n1, n2)

	n1.core.BroadcastReliable([]byte{0, 1, 2, 3}, []uuid.UUID{n2.id})
	if err := n1.core.Flush(); err != nil {
		t.Fatalf("flush n1: %v", err)
	}

	gotAtN2 := expectReceived(t, n2, flushWait)
	if gotAtN2.source != n1.id || !bytes.Equal(gotAtN2.bytes, []byte{0, 1, 2, 3}) {
		t.Fatalf("unexpected delivery at n2: %+v", gotAtN2)
	}

	gotAtN1 := expectReceived(t, n1, flushWait)
	if gotAtN1.source != n2.id || !bytes.Equal(gotAtN1.bytes, []byte{4, 5, 6, 7}) {
		t.Fatalf("unexpected delivery at n1: %+v", gotAtN1)
	}
}

// TestMixedReliableUnreliableBurstOverOneHop is spec.md §8 scenario 6: 64
// messages of alternating reliability class sent one hop (a through b to c)
// over a lossless link must all arrive at c in order.
func TestMixedReliableUnreliableBurstOverOneHop(t *testing.T) {
	a := newHarnessNode(t)
	b := newHarnessNode(t)
	c := newHarnessNode(t)
	link(t, a, b)
	link(t, b, c)

	if err := a.core.AddForwardTarget(b.id, c.id); err != nil {
		t.Fatalf("add forward target: %v", err)
	}

	const n = 64
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			a.core.BroadcastReliable([]byte{byte(i)}, []uuid.UUID{c.id})
		} else {
			a.core.BroadcastUnreliable(uint64(i), []byte{byte(i)}, []uuid.UUID{c.id})
		}
	}
	if err := a.core.Flush(); err != nil {
		t.Fatalf("flush a: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := b.core.Flush(); err != nil {
		t.Fatalf("flush b: %v", err)
	}

	for i := 0; i < n; i++ {
		got := expectReceived(t, c, flushWait)
		if got.bytes[0] != byte(i) {
			t.Fatalf("message %d out of order: got byte %d", i, got.bytes[0])
		}
	}
	expectNoneReceived(t, c, 200*time.Millisecond)
}

func TestReliableDuplicateSuppressed(t *testing.T) {
	a := newHarnessNode(t)
	b := newHarnessNode(t)

	rec := decodedMessage{
		Source:      a.id,
		Targets:     []uuid.UUID{b.id},
		Reliability: Reliable,
		SN:          0,
		Bytes:       []byte("dup-reliable"),
	}

	b.core.call(func() {
		b.core.deliverIfNew(rec)
		b.core.deliverIfNew(rec)
	})

	expectReceived(t, b, flushWait)
	expectNoneReceived(t, b, 200*time.Millisecond)
}
