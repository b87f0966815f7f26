// Package config parses the overlay daemon's TOML configuration file and
// watches it for changes, grounded on dtn7-go's cmd/dtnd configuration
// loading and cmd/dtn-tool's fsnotify-based file watcher.
package config

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// Config is the root of the daemon's TOML configuration.
type Config struct {
	Node      NodeConf
	Logging   LogConf
	Discovery DiscoveryConf
	API       APIConf
	Peer      []PeerConf
}

// NodeConf identifies this node and where it persists local state.
type NodeConf struct {
	ID          string
	Listen      string `toml:"listen"`
	PeerStore   string `toml:"peer-store"`
	MTU         int
	KeepaliveMs int `toml:"keepalive-ms"`
}

// LogConf controls logrus's global configuration.
type LogConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// DiscoveryConf controls LAN peer discovery.
type DiscoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// APIConf controls the optional HTTP/WebSocket admin surface.
type APIConf struct {
	Listen string
}

// PeerConf describes one statically configured peer to dial at startup.
type PeerConf struct {
	ID      string
	Address string
}

// Load reads and parses the TOML file at path.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if c.Node.MTU == 0 {
		c.Node.MTU = 1472
	}
	if c.Node.KeepaliveMs == 0 {
		c.Node.KeepaliveMs = 2000
	}
	return &c, nil
}

// Keepalive returns the configured link keepalive interval as a Duration.
func (c *Config) Keepalive() time.Duration {
	return time.Duration(c.Node.KeepaliveMs) * time.Millisecond
}

// ApplyLogging configures logrus's global level, formatter and caller
// reporting from the Logging block.
func ApplyLogging(lc LogConf) {
	if lc.Level != "" {
		if lvl, err := log.ParseLevel(lc.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    lc.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(lc.ReportCaller)

	switch lc.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		log.Warn("Unknown logging format")
	}
}

// Watcher reloads a Config from disk whenever the file it was loaded from
// changes, and hands the new value to onReload. Editors frequently replace
// a file rather than writing in place, so both Write and Create events
// trigger a reload.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// WatchFile starts watching path, calling onReload every time it changes
// and successfully reparses. Reload errors are logged, not propagated: a
// bad edit to the file shouldn't bring down an already-running daemon.
func WatchFile(path string, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: starting file watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: watching %s: %w", path, err)
	}

	w := &Watcher{path: path, watcher: fsw, stop: make(chan struct{})}
	go w.run(onReload)
	return w, nil
}

func (w *Watcher) run(onReload func(*Config)) {
	for {
		select {
		case <-w.stop:
			return

		case e, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				log.WithFields(log.Fields{
					"file":      e.Name,
					"operation": e.Op.String(),
				}).Debug("Ignoring fsnotify event")
				continue
			}

			c, err := Load(w.path)
			if err != nil {
				log.WithFields(log.Fields{
					"file":  w.path,
					"error": err,
				}).Warn("Failed to reload configuration")
				continue
			}
			onReload(c)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Error("Configuration file watcher errored")
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.stop)
	return w.watcher.Close()
}
