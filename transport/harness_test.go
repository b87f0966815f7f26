package transport

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
)

// This harness stands in for the C++ original's iptables-drop integration
// harness: it wires two Cores together over real loopback UDP sockets so
// Flush/receive behavior is exercised end to end, without needing a second
// process or root to simulate loss (tests that want loss close one side's
// socket or simply don't call Flush on it).

type harnessNode struct {
	id   uuid.UUID
	core *Core
	recv chan receivedMessage
}

type receivedMessage struct {
	source      uuid.UUID
	reliability Reliability
	bytes       []byte
}

func newHarnessNode(t *testing.T) *harnessNode {
	t.Helper()
	n := &harnessNode{
		id:   uuid.New(),
		recv: make(chan receivedMessage, 64),
	}
	n.core = NewCore(n.id, func(source uuid.UUID, reliability Reliability, bytes []byte) {
		n.recv <- receivedMessage{source: source, reliability: reliability, bytes: bytes}
	})
	return n
}

// link opens a connected UDP socket pair between a and b and registers a
// direct Transport link on each Core.
func link(t *testing.T, a, b *harnessNode) {
	t.Helper()

	addrA := connAddr(t, "udp")
	addrB := connAddr(t, "udp")

	dialedA, err := net.DialUDP("udp", addrA, addrB)
	if err != nil {
		t.Fatalf("dial A->B: %v", err)
	}
	dialedB, err := net.DialUDP("udp", addrB, addrA)
	if err != nil {
		t.Fatalf("dial B->A: %v", err)
	}

	a.core.AddLink(b.id, dialedA, DefaultMTU)
	b.core.AddLink(a.id, dialedB, DefaultMTU)
}

// connAddr allocates an ephemeral UDP port on loopback and returns its
// address without holding the socket open, so a fixed pair of ports can be
// cross-dialed.
func connAddr(t *testing.T, network string) *net.UDPAddr {
	t.Helper()
	c, err := net.ListenUDP(network, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("allocate port: %v", err)
	}
	addr := c.LocalAddr().(*net.UDPAddr)
	if err := c.Close(); err != nil {
		t.Fatalf("close allocator: %v", err)
	}
	return addr
}

func expectReceived(t *testing.T, n *harnessNode, timeout time.Duration) receivedMessage {
	t.Helper()
	select {
	case m := <-n.recv:
		return m
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for delivery")
		return receivedMessage{}
	}
}

func expectNoneReceived(t *testing.T, n *harnessNode, wait time.Duration) {
	t.Helper()
	select {
	case m := <-n.recv:
		t.Fatalf("unexpected delivery: %+v", m)
	case <-time.After(wait):
	}
}
