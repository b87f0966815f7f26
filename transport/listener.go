package transport

import (
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"
)

// Listener accepts links from peers that dial in first, rather than this
// node having to know their address up front. Grounded on dtn7-go's
// cla/mtcp.MTCPServer accept loop, adapted from accepting TCP connections
// to binding one shared UDP socket and promoting each new remote address
// into its own connected socket on first contact, since UDP has no
// per-connection accept of its own.
type Listener struct {
	conn *net.UDPConn
	core *Core
	mtu  int

	stopSyn chan struct{}
	stopAck chan struct{}
}

// Listen binds addr and starts accepting new peers into core. Every
// message on the first datagram from an address core doesn't already have
// a link for is processed after the new link is registered, so nothing
// from that initial packet is lost.
func Listen(addr string, self uuid.UUID, core *Core, mtu int) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		conn:    conn,
		core:    core,
		mtu:     mtu,
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
	go l.acceptLoop(self)
	return l, nil
}

func (l *Listener) acceptLoop(self uuid.UUID) {
	buf := make([]byte, 65535)
	for {
		n, raddr, err := l.conn.ReadFromUDP(buf)
		select {
		case <-l.stopSyn:
			close(l.stopAck)
			return
		default:
		}
		if err != nil {
			log.WithError(err).Warn("Listener read failed")
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		source, acks, msgs, decErr := decodeDatagram(payload)
		if decErr != nil {
			log.WithFields(log.Fields{
				"addr":  raddr,
				"error": decErr,
			}).Warn("Listener dropping undecodable datagram")
			continue
		}

		if l.core.HasLink(source) {
			// An existing link owns a different local port for this
			// source; let its own reader handle subsequent datagrams.
			continue
		}

		dialed, dialErr := net.DialUDP("udp", nil, raddr)
		if dialErr != nil {
			log.WithFields(log.Fields{
				"addr":  raddr,
				"error": dialErr,
			}).Warn("Failed to promote an inbound peer to a direct link")
			continue
		}

		link := l.core.AddLink(source, dialed, l.mtu)
		l.core.inbound <- datagramEvent{link: link, msgs: msgs, acks: acks}

		log.WithFields(log.Fields{
			"peer": source,
			"addr": raddr,
		}).Info("Accepted a new inbound link")
	}
}

// Close stops accepting new peers and closes the shared socket.
func (l *Listener) Close() error {
	close(l.stopSyn)
	err := l.conn.Close()
	<-l.stopAck
	return err
}
