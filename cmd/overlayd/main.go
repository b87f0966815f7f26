// Command overlayd runs a single overlay node: it loads a TOML
// configuration, brings up the transport core, and optionally starts LAN
// discovery and the admin HTTP/WebSocket surface. Grounded on dtn7-go's
// cmd/dtnd/main.go (signal handling, fatal-on-bad-config shape).
package main

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"

	"github.com/clubmesh/overlay/api"
	"github.com/clubmesh/overlay/config"
	"github.com/clubmesh/overlay/discovery"
	"github.com/clubmesh/overlay/peerstore"
	"github.com/clubmesh/overlay/transport"
)

func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Failed to parse configuration")
	}
	config.ApplyLogging(cfg.Logging)

	self, err := uuid.Parse(cfg.Node.ID)
	if err != nil {
		log.WithFields(log.Fields{
			"node-id": cfg.Node.ID,
			"error":   err,
		}).Fatal("node.id must be a valid UUID")
	}

	var peers *peerstore.Store
	if cfg.Node.PeerStore != "" {
		peers, err = peerstore.Open(cfg.Node.PeerStore)
		if err != nil {
			log.WithError(err).Fatal("Failed to open peer store")
		}
		defer peers.Close()
	}

	var apiServer *api.Server

	core := transport.NewCore(self, func(source uuid.UUID, reliability transport.Reliability, bytes []byte) {
		log.WithFields(log.Fields{
			"source":      source,
			"reliability": reliability,
			"bytes":       len(bytes),
		}).Debug("Delivered a message to the local application")
		if apiServer != nil {
			apiServer.Broadcast(source, reliability, bytes)
		}
	})
	defer core.Close()

	apiServer = api.NewServer(core, peers)

	var listener *transport.Listener
	if cfg.Node.Listen != "" {
		listener, err = transport.Listen(cfg.Node.Listen, self, core, cfg.Node.MTU)
		if err != nil {
			log.WithError(err).Fatal("Failed to start listening")
		}
		defer listener.Close()
	}

	for _, p := range cfg.Peer {
		peerID, err := uuid.Parse(p.ID)
		if err != nil {
			log.WithFields(log.Fields{"peer": p.ID, "error": err}).Warn("Skipping peer with invalid id")
			continue
		}
		raddr, err := net.ResolveUDPAddr("udp", p.Address)
		if err != nil {
			log.WithFields(log.Fields{"peer": p.ID, "error": err}).Warn("Skipping peer with invalid address")
			continue
		}
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			log.WithFields(log.Fields{"peer": p.ID, "error": err}).Warn("Failed to dial configured peer")
			continue
		}
		core.AddLink(peerID, conn, cfg.Node.MTU)
		if peers != nil {
			_ = peers.Remember(peerID, p.Address)
		}
	}

	var discoveryManager *discovery.Manager
	if cfg.Discovery.IPv4 || cfg.Discovery.IPv6 {
		_, portStr, err := net.SplitHostPort(cfg.Node.Listen)
		if err != nil {
			log.WithError(err).Warn("Cannot start discovery: node.listen has no parsable port")
		} else {
			portNum, scanErr := strconv.ParseUint(portStr, 10, 16)
			if scanErr != nil {
				log.WithError(scanErr).Warn("Cannot start discovery: bad listen port")
			} else {
				port := uint16(portNum)
				interval := cfg.Discovery.Interval
				if interval == 0 {
					interval = 10
				}
				discoveryManager, err = discovery.NewManager(self, port, core, cfg.Node.MTU, interval, cfg.Discovery.IPv4, cfg.Discovery.IPv6)
				if err != nil {
					log.WithError(err).Warn("Failed to start peer discovery")
				}
			}
		}
	}
	if discoveryManager != nil {
		defer discoveryManager.Close()
	}

	if cfg.API.Listen != "" {
		go func() {
			if err := apiServer.ListenAndServe(cfg.API.Listen); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("Admin API server stopped")
			}
		}()
		defer apiServer.Close()
	}

	watcher, err := config.WatchFile(os.Args[1], func(c *config.Config) {
		config.ApplyLogging(c.Logging)
	})
	if err != nil {
		log.WithError(err).Warn("Configuration hot-reload is disabled")
	} else {
		defer watcher.Close()
	}

	log.WithField("node", self).Info("overlayd started")
	waitSigint()
	log.Info("Shutting down...")
}
