package transport

import (
	"testing"

	"github.com/google/uuid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	source := uuid.New()
	target := uuid.New()

	var acks AckSet
	acks.TryAdd(4)
	acks.TryAdd(3)

	enc := newDatagramEncoder(DefaultMTU)
	if err := enc.writeHeader(source, &acks); err != nil {
		t.Fatalf("writeHeader: %v", err)
	}

	m := &Message{
		Source:      source,
		Bytes:       []byte("payload"),
		Reliability: Reliable,
		SN:          7,
	}
	enc.encodeMessageRecord([]uuid.UUID{target}, m)
	if enc.Error() {
		t.Fatalf("unexpected encode error")
	}

	gotSource, gotAcks, msgs, err := decodeDatagram(enc.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotSource != source {
		t.Fatalf("source mismatch")
	}
	if gotAcks.Highest() != 4 || !gotAcks.Contains(3) {
		t.Fatalf("ack header not round-tripped: %+v", gotAcks)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message record, got %d", len(msgs))
	}
	rec := msgs[0]
	if rec.Source != source || rec.SN != 7 || rec.Reliability != Reliable {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if string(rec.Bytes) != "payload" {
		t.Fatalf("payload mismatch: %q", rec.Bytes)
	}
	if len(rec.Targets) != 1 || rec.Targets[0] != target {
		t.Fatalf("targets mismatch: %v", rec.Targets)
	}
}

func TestEncodeDecodeUnreliableCarriesUserID(t *testing.T) {
	source := uuid.New()
	target := uuid.New()

	enc := newDatagramEncoder(DefaultMTU)
	var empty AckSet
	if err := enc.writeHeader(source, &empty); err != nil {
		t.Fatalf("writeHeader: %v", err)
	}

	m := &Message{
		Source:      source,
		Bytes:       []byte("x"),
		Reliability: Unreliable,
		UserID:      0xdeadbeef,
	}
	enc.encodeMessageRecord([]uuid.UUID{target}, m)

	_, gotAcks, msgs, err := decodeDatagram(enc.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !gotAcks.IsEmpty() {
		t.Fatalf("expected empty ack header")
	}
	if msgs[0].UserID != 0xdeadbeef {
		t.Fatalf("user id mismatch: %x", msgs[0].UserID)
	}
}

func TestDecodeTruncatedDatagramFails(t *testing.T) {
	_, _, _, err := decodeDatagram([]byte{1, 2, 3})
	if err == nil {
		t.Fatalf("expected an error decoding a too-short datagram")
	}
}

func TestDecodeRejectsZeroTargetCount(t *testing.T) {
	source := uuid.New()
	enc := newDatagramEncoder(DefaultMTU)
	var empty AckSet
	enc.writeHeader(source, &empty)

	enc.putUUID(source)
	enc.putByte(0) // zero targets: invalid

	_, _, _, err := decodeDatagram(enc.Bytes())
	if err == nil {
		t.Fatalf("expected zero target_count to be rejected")
	}
}

func TestEncoderRollsBackOnOverflow(t *testing.T) {
	source := uuid.New()
	target := uuid.New()

	enc := newDatagramEncoder(datagramHeaderLen + 10) // barely room for the header
	var empty AckSet
	if err := enc.writeHeader(source, &empty); err != nil {
		t.Fatalf("writeHeader: %v", err)
	}

	pos, errFlag := enc.checkpoint()
	m := &Message{Source: source, Bytes: make([]byte, 500), Reliability: Reliable}
	enc.encodeMessageRecord([]uuid.UUID{target}, m)
	if !enc.Error() {
		t.Fatalf("expected overflow error")
	}
	enc.restore(pos, errFlag)

	if enc.Error() {
		t.Fatalf("expected error flag cleared after restore")
	}
	if len(enc.Bytes()) != pos {
		t.Fatalf("expected buffer truncated back to checkpoint, got len %d want %d", len(enc.Bytes()), pos)
	}
}
