package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Wire layout, fixed and bit-exact per spec.md §6:
//
//	datagram:
//	  source_uuid      16 bytes
//	  ack_header        1 byte flags (bit0 = is_empty) + 4 bytes highest_sn + 4 bytes predecessors
//	  messages          zero or more message records, packed until end of datagram
//
//	message record:
//	  source_uuid      16 bytes
//	  target_count      1 byte (1..255; 0 is invalid)
//	  target_uuids     16 * target_count bytes
//	  payload          1 byte reliability + 4 bytes sn + 4 bytes payload length
//	                   + (8 bytes user_id, only present when reliability == unreliable)
//	                   + payload bytes
const (
	datagramHeaderLen = 16 + 1 + 4 + 4
	messageHeaderLen  = 16 + 1 // source uuid + target_count, before target list
	payloadHeaderLen  = 1 + 4 + 4
	userIDLen         = 8

	flagIsEmpty = 1 << 0
)

var (
	// ErrTruncated is returned by decode when a datagram ends mid-record.
	ErrTruncated = errors.New("transport: truncated datagram")
	// ErrTooManyTargets is returned by the encoder when a record would need
	// more than 255 targets to describe.
	ErrTooManyTargets = errors.New("transport: more than 255 targets")
)

// datagramEncoder builds one outbound UDP payload up to a fixed MTU. It
// supports a cheap checkpoint/restore pair so TransmitQueue.tryEncode can
// speculatively write a message record and roll back if it didn't fit,
// without ever writing past the MTU boundary (spec.md §6, design note §9).
type datagramEncoder struct {
	buf    []byte
	mtu    int
	err    bool
	reason error
}

func newDatagramEncoder(mtu int) *datagramEncoder {
	return &datagramEncoder{buf: make([]byte, 0, mtu), mtu: mtu}
}

// checkpoint records the current write position and error flag.
func (e *datagramEncoder) checkpoint() (int, bool) {
	return len(e.buf), e.err
}

// restore truncates the buffer back to a previously recorded checkpoint and
// resets the error flag, discarding anything written since.
func (e *datagramEncoder) restore(pos int, errFlag bool) {
	e.buf = e.buf[:pos]
	e.err = errFlag
}

// Error reports whether any write since the last restore overflowed the MTU,
// or a message record was refused for an invalid target count.
func (e *datagramEncoder) Error() bool { return e.err }

// Reason reports the specific cause of the most recent encodeMessageRecord
// failure, when a specific one is known (e.g. ErrTooManyTargets); nil for an
// ordinary MTU overflow, which isn't a distinct error, just "try again with
// less in the datagram."
func (e *datagramEncoder) Reason() error { return e.reason }

// Remaining returns the number of bytes still available before the MTU.
func (e *datagramEncoder) Remaining() int { return e.mtu - len(e.buf) }

// Bytes returns the datagram built so far.
func (e *datagramEncoder) Bytes() []byte { return e.buf }

func (e *datagramEncoder) putBytes(b []byte) {
	if e.err {
		return
	}
	if len(e.buf)+len(b) > e.mtu {
		e.err = true
		return
	}
	e.buf = append(e.buf, b...)
}

func (e *datagramEncoder) putByte(b byte)     { e.putBytes([]byte{b}) }
func (e *datagramEncoder) putUUID(id uuid.UUID) { e.putBytes(id[:]) }

func (e *datagramEncoder) putUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.putBytes(b[:])
}

func (e *datagramEncoder) putUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.putBytes(b[:])
}

// writeHeader writes the datagram's leading source UUID and piggybacked
// AckSet. It is meant to be called once per datagram, before any message
// records, and is not subject to rollback: a header that can't fit the MTU
// at all is a configuration error, not a per-message overflow.
func (e *datagramEncoder) writeHeader(source uuid.UUID, acks *AckSet) error {
	e.putUUID(source)

	var flags byte
	if acks.IsEmpty() {
		flags |= flagIsEmpty
	}
	e.putByte(flags)
	e.putUint32(uint32(acks.highest))
	e.putUint32(acks.predecessors)

	if e.err {
		return fmt.Errorf("transport: datagram header does not fit MTU %d", e.mtu)
	}
	return nil
}

// encodeMessageRecord writes one message record: source, target list, and
// the message's framed payload. Overflow is signaled only through Error();
// the caller (TransmitQueue.tryEncode) is responsible for checkpoint/restore.
func (e *datagramEncoder) encodeMessageRecord(targets []uuid.UUID, m *Message) {
	e.reason = nil
	if len(targets) == 0 || len(targets) > 255 {
		e.err = true
		if len(targets) > 255 {
			e.reason = ErrTooManyTargets
		}
		return
	}

	e.putUUID(m.Source)
	e.putByte(byte(len(targets)))
	for _, t := range targets {
		e.putUUID(t)
	}

	e.putByte(byte(m.Reliability))
	e.putUint32(uint32(m.SN))
	e.putUint32(uint32(len(m.Bytes)))
	if m.Reliability == Unreliable {
		e.putUint64(m.UserID)
	}
	e.putBytes(m.Bytes)
}

// recordLen returns the number of bytes encodeMessageRecord would need for
// this message and target count. Nothing in the package calls it:
// TransmitQueue.EncodeFew detects a fatally oversize message by the encoder
// rollback instead.
func recordLen(targetCount int, m *Message) int {
	n := messageHeaderLen + 16*targetCount + payloadHeaderLen + len(m.Bytes)
	if m.Reliability == Unreliable {
		n += userIDLen
	}
	return n
}

// decodedMessage is one message record decoded off the wire.
type decodedMessage struct {
	Source      uuid.UUID
	Targets     []uuid.UUID
	Reliability Reliability
	SN          SequenceNumber
	UserID      uint64
	Bytes       []byte
}

// datagramDecoder reads a received UDP payload. Any error means the whole
// datagram is dropped without the caller retaining partial state, per
// spec.md §7 ("the offending datagram is dropped whole").
type datagramDecoder struct {
	data []byte
	off  int
}

func (d *datagramDecoder) remaining() int { return len(d.data) - d.off }

func (d *datagramDecoder) takeBytes(n int) ([]byte, error) {
	if d.remaining() < n {
		return nil, ErrTruncated
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *datagramDecoder) takeByte() (byte, error) {
	b, err := d.takeBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *datagramDecoder) takeUint32() (uint32, error) {
	b, err := d.takeBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *datagramDecoder) takeUint64() (uint64, error) {
	b, err := d.takeBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *datagramDecoder) takeUUID() (uuid.UUID, error) {
	b, err := d.takeBytes(16)
	if err != nil {
		return uuid.UUID{}, err
	}
	var id uuid.UUID
	copy(id[:], b)
	return id, nil
}

// decodeDatagram parses a received UDP payload into its source, piggybacked
// AckSet, and contained message records.
func decodeDatagram(data []byte) (source uuid.UUID, acks AckSet, msgs []decodedMessage, err error) {
	d := &datagramDecoder{data: data}

	if source, err = d.takeUUID(); err != nil {
		return
	}

	flags, ferr := d.takeByte()
	if ferr != nil {
		err = ferr
		return
	}
	highest, herr := d.takeUint32()
	if herr != nil {
		err = herr
		return
	}
	predecessors, perr := d.takeUint32()
	if perr != nil {
		err = perr
		return
	}

	acks = AckSet{
		nonEmpty:     flags&flagIsEmpty == 0,
		highest:      SequenceNumber(highest),
		predecessors: predecessors,
	}

	for d.remaining() > 0 {
		var rec decodedMessage

		if rec.Source, err = d.takeUUID(); err != nil {
			return
		}

		targetCount, tcErr := d.takeByte()
		if tcErr != nil {
			err = tcErr
			return
		}
		if targetCount == 0 {
			err = fmt.Errorf("transport: message record with zero targets")
			return
		}

		rec.Targets = make([]uuid.UUID, targetCount)
		for i := range rec.Targets {
			if rec.Targets[i], err = d.takeUUID(); err != nil {
				return
			}
		}

		reliability, rErr := d.takeByte()
		if rErr != nil {
			err = rErr
			return
		}
		rec.Reliability = Reliability(reliability)
		if rec.Reliability != Reliable && rec.Reliability != Unreliable {
			err = fmt.Errorf("transport: unknown reliability byte %d", reliability)
			return
		}

		sn, snErr := d.takeUint32()
		if snErr != nil {
			err = snErr
			return
		}
		rec.SN = SequenceNumber(sn)

		length, lenErr := d.takeUint32()
		if lenErr != nil {
			err = lenErr
			return
		}

		if rec.Reliability == Unreliable {
			if rec.UserID, err = d.takeUint64(); err != nil {
				return
			}
		}

		if rec.Bytes, err = d.takeBytes(int(length)); err != nil {
			return
		}

		msgs = append(msgs, rec)
	}

	return source, acks, msgs, nil
}
