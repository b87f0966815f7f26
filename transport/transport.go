package transport

import (
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"
)

// DefaultMTU is a conservative per-datagram payload budget with no
// fragmentation assumed (spec.md §6).
const DefaultMTU = 1472

// DefaultKeepalive is how long a link waits without sending anything
// before it emits an ack-only datagram, so a peer that has received data
// but has nothing of its own to send doesn't let acks go stale (design
// note, spec.md §9; see SPEC_FULL.md §3 for why 2s was chosen here).
const DefaultKeepalive = 2 * time.Second

// Transport owns one UDP socket to one remote peer. It holds a
// TransmitQueue, drives outbound encoding, and decodes inbound datagrams
// into events the owning Core processes on its single core-loop goroutine.
//
// Grounded on dtn7-go's cla/mtcp.MTCPClient (stopSyn/stopAck teardown pair,
// one reader goroutine, status reported back over a channel), adapted from
// TCP-stream framing to connected-UDP datagram framing.
type Transport struct {
	self   uuid.UUID
	remote uuid.UUID
	conn   *net.UDPConn
	mtu    int

	queue *TransmitQueue

	// recvAcks accumulates SNs observed over this link's reliable traffic,
	// to be piggybacked on this link's next outbound datagram. One AckSet
	// per link, not per originating source: the wire ack_header (spec.md
	// §6) has room for exactly one, so a link folds together acks for
	// every source it has forwarded reliable traffic from.
	recvAcks AckSet

	lastSend time.Time

	inbound chan<- datagramEvent

	stopSyn chan struct{}
	stopAck chan struct{}
}

// datagramEvent is handed from a Transport's reader goroutine to the owning
// Core's single core-loop goroutine.
type datagramEvent struct {
	link *Transport
	msgs []decodedMessage
	acks AckSet
	err  error
}

// NewTransport binds a connected UDP socket to remote and starts its
// receive loop, publishing decoded datagrams onto inbound.
func NewTransport(self, remote uuid.UUID, conn *net.UDPConn, mtu int, inbound chan<- datagramEvent) *Transport {
	t := &Transport{
		self:    self,
		remote:  remote,
		conn:    conn,
		mtu:     mtu,
		inbound: inbound,
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
	t.queue = NewTransmitQueue(nil) // outbound set by Core via SetOutbound
	t.queue.AddTarget(remote)

	go t.receiveLoop()

	return t
}

// SetOutbound wires the registry this link's queue releases messages
// through; Core calls this once at link construction time.
func (t *Transport) SetOutbound(o *OutboundMessages) {
	t.queue.outbound = o
}

// AddForwardTarget registers peer as reachable one hop through the remote
// endpoint of this link (spec.md §4.3 add_target).
func (t *Transport) AddForwardTarget(peer uuid.UUID) {
	t.queue.AddTarget(peer)
}

// Remote returns the peer identity this link connects to.
func (t *Transport) Remote() uuid.UUID {
	return t.remote
}

func (t *Transport) receiveLoop() {
	buf := make([]byte, 65535)
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		select {
		case <-t.stopSyn:
			close(t.stopAck)
			return
		default:
		}

		if err != nil {
			log.WithFields(log.Fields{
				"remote": t.remote,
				"error":  err,
			}).Warn("Transport read failed, message remains queued for retry")
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		_, acks, msgs, decErr := decodeDatagram(payload)
		if decErr != nil {
			log.WithFields(log.Fields{
				"remote": t.remote,
				"error":  decErr,
			}).Warn("Dropping undecodable datagram")
		}

		t.inbound <- datagramEvent{link: t, msgs: msgs, acks: acks, err: decErr}
	}
}

// recordReceivedReliableSN folds sn into this link's piggyback AckSet.
func (t *Transport) recordReceivedReliableSN(sn SequenceNumber) {
	t.recvAcks.TryAdd(sn)
}

// sendOnce builds and transmits one datagram from this link's queue plus
// its piggybacked ack state. It reports how many messages it encoded and
// any oversize messages it had to drop. A datagram with no message records
// is still sent when the link has acks to carry.
func (t *Transport) sendOnce() (encoded int, oversized []*Message, err error) {
	enc := newDatagramEncoder(t.mtu)
	if hdrErr := enc.writeHeader(t.self, &t.recvAcks); hdrErr != nil {
		return 0, nil, hdrErr
	}

	encoded, oversized = t.queue.EncodeFew(enc)

	if encoded == 0 && len(oversized) == 0 && t.recvAcks.IsEmpty() {
		return 0, nil, nil
	}

	if _, werr := t.conn.Write(enc.Bytes()); werr != nil {
		return encoded, oversized, fmt.Errorf("transport: write to %s: %w", t.remote, werr)
	}

	t.lastSend = time.Now()
	return encoded, oversized, nil
}

// sendKeepalive emits a datagram carrying only the current ack state, used
// when this link has received data but had nothing of its own queued for
// longer than its keepalive interval.
func (t *Transport) sendKeepalive() error {
	enc := newDatagramEncoder(t.mtu)
	if err := enc.writeHeader(t.self, &t.recvAcks); err != nil {
		return err
	}
	_, err := t.conn.Write(enc.Bytes())
	if err == nil {
		t.lastSend = time.Now()
	}
	return err
}

// needsKeepalive reports whether this link has acks to carry and has been
// idle for longer than interval. A link that has never sent counts as idle.
func (t *Transport) needsKeepalive(interval time.Duration) bool {
	if t.recvAcks.IsEmpty() {
		return false
	}
	return time.Since(t.lastSend) >= interval
}

// Close tears down the receive loop and the underlying socket.
func (t *Transport) Close() error {
	close(t.stopSyn)
	err := t.conn.Close()
	<-t.stopAck
	return err
}
