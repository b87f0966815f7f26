// Package peerstore persists a node's known peer addresses across restarts,
// so a node doesn't have to rediscover every peer from scratch after a
// reboot. Only addressing metadata is kept here, never message or
// acknowledgement state: that lives entirely in memory in the transport
// package, per its single-core-loop ownership model.
package peerstore

import (
	"os"
	"path"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"
	"github.com/timshannon/badgerhold"
)

const dirBadger = "peers"

// PeerRecord is one remembered peer address, keyed by its overlay identity.
type PeerRecord struct {
	ID       uuid.UUID `badgerholdKey:"ID"`
	Address  string
	LastSeen time.Time
}

// Store is a badgerhold-backed address book.
type Store struct {
	bh  *badgerhold.Store
	dir string
}

// Open opens (creating if necessary) a peer store rooted at dir.
func Open(dir string) (*Store, error) {
	badgerDir := path.Join(dir, dirBadger)

	if err := os.MkdirAll(badgerDir, 0700); err != nil {
		return nil, err
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, err
	}

	return &Store{bh: bh, dir: badgerDir}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.bh.Close()
}

// Remember upserts a peer's last known address.
func (s *Store) Remember(id uuid.UUID, address string) error {
	rec := PeerRecord{ID: id, Address: address, LastSeen: time.Now()}

	if err := s.bh.Upsert(id, &rec); err != nil {
		log.WithFields(log.Fields{
			"peer":    id,
			"address": address,
			"error":   err,
		}).Warn("Failed to persist peer address")
		return err
	}
	return nil
}

// Lookup returns the last known address for id, if any.
func (s *Store) Lookup(id uuid.UUID) (PeerRecord, bool) {
	var rec PeerRecord
	if err := s.bh.Get(id, &rec); err != nil {
		return PeerRecord{}, false
	}
	return rec, true
}

// All returns every remembered peer, most recently seen first.
func (s *Store) All() ([]PeerRecord, error) {
	var recs []PeerRecord
	query := badgerhold.Where("LastSeen").Ge(time.Time{}).SortBy("LastSeen").Reverse()
	if err := s.bh.Find(&recs, query); err != nil {
		return nil, err
	}
	return recs, nil
}

// Forget removes a peer's remembered address.
func (s *Store) Forget(id uuid.UUID) error {
	return s.bh.Delete(id, &PeerRecord{})
}
