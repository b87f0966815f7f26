package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// ReceiveFunc is invoked once per message newly delivered to the local
// application, after duplicate suppression (spec.md §4.5).
type ReceiveFunc func(source uuid.UUID, reliability Reliability, bytes []byte)

// Core is the per-node dispatcher: the single owner of every link's
// TransmitQueue and the node's OutboundMessages registry and dedup state.
// Every mutation runs on one goroutine (the core loop), mirroring spec.md
// §5's single-threaded-cooperative model and dtn7-go's cla.Manager, whose
// one handler() goroutine similarly serializes access to a registry of
// convergence-layer links via a channel rather than locks.
type Core struct {
	self uuid.UUID

	outbound *OutboundMessages
	dedup    *dedupState

	mu sync.RWMutex // not used: links/forwardTable are only accessed on the core loop

	links        map[uuid.UUID]*Transport // remote peer id -> direct link
	forwardTable map[uuid.UUID]*Transport // one-hop-reachable peer id -> link it's reachable through

	inbound chan datagramEvent
	ops     chan func()
	stop    chan struct{}
	done    chan struct{}

	// delivery hands newly-deduplicated messages from the core loop to
	// deliverLoop, a separate goroutine that actually calls onReceive. This
	// exists so that a ReceiveFunc calling back into Core (BroadcastReliable,
	// Flush, AddLink, ...) from inside on_receive never deadlocks against the
	// very loop it would otherwise need to schedule through (spec.md §8
	// scenario 5, "causal send inside receive callback").
	delivery    chan deliveredMessage
	deliverDone chan struct{}

	// overflow holds deliveries that found c.delivery full. A single
	// lazily-started goroutine drains it into c.delivery in order, so a
	// burst larger than the channel's buffer still reaches deliverLoop in
	// the order it was produced, rather than racing one throwaway
	// goroutine per overflowing item against another.
	overflowMu      sync.Mutex
	overflow        []deliveredMessage
	overflowRunning bool

	onReceive ReceiveFunc
	keepalive time.Duration
}

// deliveredMessage is one application delivery queued from the core loop to
// deliverLoop.
type deliveredMessage struct {
	source      uuid.UUID
	reliability Reliability
	bytes       []byte
}

// NewCore creates a Core identified by self. onReceive is called for every
// newly delivered message, off the core loop, so it is free to call back
// into this Core (e.g. to broadcast a reply) without deadlocking.
func NewCore(self uuid.UUID, onReceive ReceiveFunc) *Core {
	c := &Core{
		self:         self,
		outbound:     NewOutboundMessages(self),
		dedup:        newDedupState(),
		links:        make(map[uuid.UUID]*Transport),
		forwardTable: make(map[uuid.UUID]*Transport),
		inbound:      make(chan datagramEvent, 64),
		ops:          make(chan func()),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		delivery:     make(chan deliveredMessage, 64),
		deliverDone:  make(chan struct{}),
		onReceive:    onReceive,
		keepalive:    DefaultKeepalive,
	}
	go c.run()
	go c.deliverLoop()
	return c
}

// call schedules fn on the core loop and blocks until it has run.
func (c *Core) call(fn func()) {
	reply := make(chan struct{})
	c.ops <- func() {
		fn()
		close(reply)
	}
	<-reply
}

func (c *Core) run() {
	ticker := time.NewTicker(c.keepalive / 2)
	defer ticker.Stop()
	defer close(c.done)

	for {
		select {
		case <-c.stop:
			return
		case op := <-c.ops:
			op()
		case ev := <-c.inbound:
			c.handleDatagram(ev)
		case <-ticker.C:
			c.sendKeepalives()
		}
	}
}

// deliverLoop calls onReceive for every message the core loop hands it,
// entirely off the core loop goroutine.
func (c *Core) deliverLoop() {
	defer close(c.deliverDone)
	for {
		select {
		case <-c.stop:
			return
		case d := <-c.delivery:
			if c.onReceive != nil {
				c.onReceive(d.source, d.reliability, d.bytes)
			}
		}
	}
}

// deliver hands one message to deliverLoop. The send is non-blocking so the
// core loop itself never stalls waiting on deliverLoop (which may currently
// be inside a slow or re-entrant onReceive call); on the rare occasion the
// buffer is full, the message is queued on overflow instead, preserving
// delivery order across the handoff rather than racing it in on its own
// goroutine.
func (c *Core) deliver(source uuid.UUID, reliability Reliability, bytes []byte) {
	d := deliveredMessage{source: source, reliability: reliability, bytes: bytes}
	select {
	case c.delivery <- d:
		return
	default:
	}

	c.overflowMu.Lock()
	c.overflow = append(c.overflow, d)
	startDrain := !c.overflowRunning
	c.overflowRunning = true
	c.overflowMu.Unlock()

	if startDrain {
		go c.drainOverflow()
	}
}

// drainOverflow feeds c.overflow into c.delivery in order, one item at a
// time, until the backlog is empty, then exits. Only one instance ever runs
// at once.
func (c *Core) drainOverflow() {
	for {
		c.overflowMu.Lock()
		if len(c.overflow) == 0 {
			c.overflowRunning = false
			c.overflowMu.Unlock()
			return
		}
		d := c.overflow[0]
		c.overflow = c.overflow[1:]
		c.overflowMu.Unlock()

		c.delivery <- d
	}
}

// AddLink brings up a direct UDP link to remote and registers it with the
// core loop. The caller owns dialing/binding conn.
func (c *Core) AddLink(remote uuid.UUID, conn *net.UDPConn, mtu int) *Transport {
	t := NewTransport(c.self, remote, conn, mtu, c.inbound)
	t.SetOutbound(c.outbound)

	c.call(func() {
		c.links[remote] = t
		c.forwardTable[remote] = t
	})

	return t
}

// HasLink reports whether a direct link to remote is already registered.
func (c *Core) HasLink(remote uuid.UUID) bool {
	var present bool
	c.call(func() {
		_, present = c.links[remote]
	})
	return present
}

// Self returns this Core's own peer identity.
func (c *Core) Self() uuid.UUID {
	return c.self
}

// AddForwardTarget declares that peer is reachable one hop further through
// the direct link to via (spec.md §4.3: "a link's remote endpoint may itself
// forward to other peers").
func (c *Core) AddForwardTarget(via uuid.UUID, peer uuid.UUID) error {
	var linkErr error
	c.call(func() {
		link, ok := c.links[via]
		if !ok {
			linkErr = fmt.Errorf("transport: no direct link to %s: %w", via, ErrNoSuchLink)
			return
		}
		link.AddForwardTarget(peer)
		c.forwardTable[peer] = link
	})
	return linkErr
}

// RemoveLink tears down and forgets the direct link to remote.
func (c *Core) RemoveLink(remote uuid.UUID) error {
	var closeErr error
	c.call(func() {
		link, ok := c.links[remote]
		if !ok {
			closeErr = fmt.Errorf("transport: no direct link to %s: %w", remote, ErrNoSuchLink)
			return
		}
		delete(c.links, remote)
		for peer, l := range c.forwardTable {
			if l == link {
				delete(c.forwardTable, peer)
			}
		}
		closeErr = link.Close()
	})
	return closeErr
}

// BroadcastReliable originates a reliable message addressed to targets,
// enqueuing it on every link that can reach at least one of them, and
// returns the registered Message.
func (c *Core) BroadcastReliable(bytes []byte, targets []uuid.UUID) *Message {
	var m *Message
	c.call(func() {
		m = c.outbound.BroadcastReliable(bytes, targets)
		c.enqueueOnReachableLinks(m)
	})
	return m
}

// BroadcastUnreliable originates an unreliable message carrying userID for
// receiver-side dedup, enqueuing it on every link that can reach at least
// one target.
func (c *Core) BroadcastUnreliable(userID uint64, bytes []byte, targets []uuid.UUID) *Message {
	var m *Message
	c.call(func() {
		m = c.outbound.BroadcastUnreliable(userID, bytes, targets)
		c.enqueueOnReachableLinks(m)
	})
	return m
}

// enqueueOnReachableLinks inserts m into every link whose reachable set
// intersects m's remaining targets. Must run on the core loop.
func (c *Core) enqueueOnReachableLinks(m *Message) {
	seen := make(map[*Transport]struct{})
	for target := range m.Targets {
		link, ok := c.forwardTable[target]
		if !ok {
			continue
		}
		if _, already := seen[link]; already {
			continue
		}
		seen[link] = struct{}{}
		link.queue.InsertMessage(m)
	}
}

// Flush gives every link's TransmitQueue one full rotation, sending as many
// datagrams as that takes, and sends at least one datagram on every link
// that has acks to piggyback. Reliable messages stay queued until they are
// acknowledged, so each Flush transmits them once rather than until the
// queue is empty. Oversize messages encountered along the way are
// aggregated into the returned error rather than silently dropped
// (spec.md §7: delivery failure must be observable by the application).
func (c *Core) Flush() error {
	var result *multierror.Error
	c.call(func() {
		for remote, link := range c.links {
			pending := link.queue.Len()
			for {
				encoded, oversized, err := link.sendOnce()
				for _, m := range oversized {
					result = multierror.Append(result, fmt.Errorf(
						"transport: message from %s sn %d reliability %s too large for link to %s",
						m.Source, m.SN, m.Reliability, remote))
				}
				if err != nil {
					result = multierror.Append(result, err)
					break
				}
				pending -= encoded + len(oversized)
				if pending <= 0 || (encoded == 0 && len(oversized) == 0) {
					break
				}
			}
		}
	})
	if result == nil {
		return nil
	}
	return result
}

func (c *Core) sendKeepalives() {
	for remote, link := range c.links {
		if link.needsKeepalive(c.keepalive) {
			if err := link.sendKeepalive(); err != nil {
				log.WithFields(log.Fields{
					"remote": remote,
					"error":  err,
				}).Warn("Keepalive send failed")
			}
		}
	}
}

// handleDatagram processes one decoded inbound datagram: folds its acks into
// the originating registry, then dedups, delivers, and one-hop-forwards
// every message record it carried. Runs on the core loop.
func (c *Core) handleDatagram(ev datagramEvent) {
	if ev.err != nil {
		return
	}

	ev.acks.ForEach(func(sn SequenceNumber) {
		// The wire ack_header carries only an SN, no source (spec.md §6):
		// recover the source from the message this link itself is still
		// holding for that SN, rather than trusting a registry-wide lookup
		// keyed on SN alone, which would let an ack for one source's
		// message release an unrelated source's message with a colliding
		// SN (possible any time this link forwards reliable traffic
		// originated by more than one peer).
		m := ev.link.queue.FindReliable(sn)
		if m == nil {
			return
		}
		if err := c.outbound.Acknowledge(m.Source, sn, ev.link.remote); err != nil {
			log.WithFields(log.Fields{
				"remote": ev.link.remote,
				"sn":     sn,
				"error":  err,
			}).Debug("Ignoring ack")
		}
	})

	for _, rec := range ev.msgs {
		c.receiveRecord(ev.link, rec)
	}
}

func (c *Core) receiveRecord(link *Transport, rec decodedMessage) {
	isTarget := false
	for _, t := range rec.Targets {
		if t == c.self {
			isTarget = true
			break
		}
	}

	if rec.Reliability == Reliable {
		link.recordReceivedReliableSN(rec.SN)
	}

	if isTarget {
		c.deliverIfNew(rec)
	}

	c.forwardOneHop(link, rec, isTarget)
}

// deliverIfNew hands rec to the application callback, using per-source
// dedup state: reliable traffic goes through an in-order delivery cursor
// that buffers arrivals ahead of the next expected SN so the application
// always sees a strictly increasing sequence per source even though
// retransmission makes wire arrival order unreliable (spec.md §5); a
// bounded recent-user_id cache suppresses duplicates for unreliable traffic
// (spec.md §4.5), which carries no ordering guarantee to begin with.
func (c *Core) deliverIfNew(rec decodedMessage) {
	switch rec.Reliability {
	case Reliable:
		order := c.dedup.reliableOrderFor(rec.Source)
		for _, ready := range order.Accept(rec) {
			c.deliver(ready.Source, ready.Reliability, ready.Bytes)
		}
	case Unreliable:
		cache := c.dedup.unreliableSeenSet(rec.Source)
		if cache.Seen(rec.UserID) {
			return
		}
		cache.Add(rec.UserID)
		c.deliver(rec.Source, rec.Reliability, rec.Bytes)
	}
}

// forwardOneHop re-injects rec toward any of its targets reachable through a
// link other than the one it arrived on, per spec.md §4.3's one-hop
// forwarding rule. The local node itself is never re-added as a target.
func (c *Core) forwardOneHop(arrivedOn *Transport, rec decodedMessage, wasTarget bool) {
	var remaining []uuid.UUID
	for _, t := range rec.Targets {
		if t == c.self {
			continue
		}
		remaining = append(remaining, t)
	}
	if len(remaining) == 0 {
		return
	}

	key := messageKey{source: rec.Source, reliability: rec.Reliability, sn: rec.SN}
	if existing, ok := c.outbound.live[key]; ok {
		// Already forwarding this message (e.g. seen on another link too);
		// just make sure every remaining target is still represented.
		for _, t := range remaining {
			if !existing.hasTarget(t) {
				existing.Targets[t] = struct{}{}
			}
		}
		c.enqueueOnReachableLinks(existing)
		return
	}

	m := newMessage(rec.Source, rec.Bytes, rec.Reliability, rec.UserID, remaining)
	m.SN = rec.SN
	c.outbound.Inject(m)

	for target := range m.Targets {
		link, ok := c.forwardTable[target]
		if !ok || link == arrivedOn {
			continue
		}
		link.queue.InsertMessage(m)
	}
}

// Close stops the core loop and every registered link.
func (c *Core) Close() error {
	var result *multierror.Error
	close(c.stop)
	<-c.done
	<-c.deliverDone

	for _, link := range c.links {
		if err := link.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result == nil {
		return nil
	}
	return result
}
