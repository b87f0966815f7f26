// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2020 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"
	"github.com/schollz/peerdiscovery"

	"github.com/clubmesh/overlay/transport"
)

// Manager publishes this node's own Announcement on the local network and
// dials any newly discovered peer directly, handing the resulting UDP
// socket to Core as a new link. Grounded on dtn7-go's discovery.Manager,
// whose peerdiscovery.Settings/Discover shape this reuses verbatim; adapted
// from dialing a convergence-layer client to dialing a raw connected UDP
// socket for transport.Core.AddLink.
type Manager struct {
	self uuid.UUID
	core *transport.Core
	mtu  int

	stopChan4 chan struct{}
	stopChan6 chan struct{}
}

func (m *Manager) notify6(discovered peerdiscovery.Discovered) {
	discovered.Address = fmt.Sprintf("[%s]", discovered.Address)
	m.notify(discovered)
}

func (m *Manager) notify(discovered peerdiscovery.Discovered) {
	announcements, err := UnmarshalAnnouncements(discovered.Payload)
	if err != nil {
		log.WithFields(log.Fields{
			"peer":  discovered.Address,
			"error": err,
		}).Warn("Peer discovery failed to parse incoming announcement")
		return
	}

	for _, a := range announcements {
		go m.handleDiscovery(a, discovered.Address)
	}
}

func (m *Manager) handleDiscovery(a Announcement, addr string) {
	if a.Peer == m.self || a.Peer == uuid.Nil {
		return
	}
	if m.core.HasLink(a.Peer) {
		return
	}

	remoteAddr := &net.UDPAddr{IP: net.ParseIP(addr), Port: int(a.Port)}
	conn, err := net.DialUDP("udp", nil, remoteAddr)
	if err != nil {
		log.WithFields(log.Fields{
			"peer":  a.Peer,
			"addr":  remoteAddr,
			"error": err,
		}).Warn("Failed to dial a discovered peer")
		return
	}

	log.WithFields(log.Fields{
		"peer": a.Peer,
		"addr": remoteAddr,
	}).Info("Discovered a new peer, adding a link")

	m.core.AddLink(a.Peer, conn, m.mtu)
}

// Close stops publishing and listening for announcements.
func (m *Manager) Close() {
	for _, c := range []chan struct{}{m.stopChan4, m.stopChan6} {
		if c != nil {
			c <- struct{}{}
		}
	}
}

// NewManager starts publishing self's own listenPort on the local network
// and dialing any peer it discovers. mtu is passed through to every link
// the manager establishes.
func NewManager(self uuid.UUID, listenPort uint16, core *transport.Core, mtu int, intervalSec uint, ipv4, ipv6 bool) (*Manager, error) {
	log.WithFields(log.Fields{
		"self":     self,
		"port":     listenPort,
		"interval": intervalSec,
		"ipv4":     ipv4,
		"ipv6":     ipv6,
	}).Info("Starting peer discovery")

	m := &Manager{self: self, core: core, mtu: mtu}
	if ipv4 {
		m.stopChan4 = make(chan struct{})
	}
	if ipv6 {
		m.stopChan6 = make(chan struct{})
	}

	payload, err := MarshalAnnouncements([]Announcement{{Peer: self, Port: listenPort}})
	if err != nil {
		return nil, err
	}

	sets := []struct {
		active           bool
		multicastAddress string
		stopChan         chan struct{}
		ipVersion        peerdiscovery.IPVersion
		notify           func(discovered peerdiscovery.Discovered)
	}{
		{ipv4, address4, m.stopChan4, peerdiscovery.IPv4, m.notify},
		{ipv6, address6, m.stopChan6, peerdiscovery.IPv6, m.notify6},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}

		settings := peerdiscovery.Settings{
			Limit:            -1,
			Port:             fmt.Sprintf("%d", port),
			MulticastAddress: set.multicastAddress,
			Payload:          payload,
			Delay:            time.Duration(intervalSec) * time.Second,
			TimeLimit:        -1,
			StopChan:         set.stopChan,
			AllowSelf:        true,
			IPVersion:        set.ipVersion,
			Notify:           set.notify,
		}

		discoverErrChan := make(chan error, 1)
		go func() {
			_, discoverErr := peerdiscovery.Discover(settings)
			discoverErrChan <- discoverErr
		}()

		select {
		case discoverErr := <-discoverErrChan:
			if discoverErr != nil {
				return nil, discoverErr
			}
		case <-time.After(time.Second):
		}
	}

	return m, nil
}
