package transport

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/howeyc/crc16"
)

var recentIDTable = crc16.MakeTable(crc16.CCITT)

// recentUserIDs is the bounded, per-remote-source cache of recently seen
// unreliable user ids used for receiver-side dedup (spec.md §4.5). Ids are
// kept in full for exact-match correctness; crc16 only buckets them for
// O(1)-ish lookup, the same "collapse variable data through a checksum"
// move dtn7-go's bundle/crc.go makes to fold block content down to a
// fixed-width integrity value, repurposed here to bucket an unbounded id
// space instead of hashing for authentication.
type recentUserIDs struct {
	capacity int
	order    []uint64
	buckets  map[uint16][]uint64
}

func newRecentUserIDs(capacity int) *recentUserIDs {
	return &recentUserIDs{
		capacity: capacity,
		buckets:  make(map[uint16][]uint64),
	}
}

func hashUserID(id uint64) uint16 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return crc16.Checksum(b[:], recentIDTable)
}

// Seen reports whether id has already been recorded.
func (r *recentUserIDs) Seen(id uint64) bool {
	h := hashUserID(id)
	for _, candidate := range r.buckets[h] {
		if candidate == id {
			return true
		}
	}
	return false
}

// Add records id as seen, evicting the oldest recorded id if the cache is
// at capacity.
func (r *recentUserIDs) Add(id uint64) {
	if r.Seen(id) {
		return
	}

	h := hashUserID(id)
	r.buckets[h] = append(r.buckets[h], id)
	r.order = append(r.order, id)

	if len(r.order) > r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		r.evict(oldest)
	}
}

func (r *recentUserIDs) evict(id uint64) {
	h := hashUserID(id)
	bucket := r.buckets[h]
	for i, candidate := range bucket {
		if candidate == id {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(r.buckets, h)
	} else {
		r.buckets[h] = bucket
	}
}

// defaultRecentUserIDCapacity bounds memory for the unreliable dedup cache
// per remote source.
const defaultRecentUserIDCapacity = 1024

// reliableReorder buffers reliable messages that arrive ahead of the
// in-order delivery cursor for one remote source, so the application always
// sees reliable messages from a given source delivered in strictly
// increasing SN order (spec.md §5) even though retransmission means they
// can arrive in any order. The zero value starts cursor at SN 0, matching
// where every source's reliable SN space begins (spec.md §4.2).
type reliableReorder struct {
	cursor  SequenceNumber
	pending map[SequenceNumber]decodedMessage
}

func newReliableReorder() *reliableReorder {
	return &reliableReorder{pending: make(map[SequenceNumber]decodedMessage)}
}

// Accept records one arrived reliable message and returns every message
// (including rec itself, if applicable) that is now deliverable in
// increasing SN order: rec itself if it was the next expected SN, plus any
// previously buffered messages that its arrival makes contiguous. A
// message already delivered (sn behind the cursor) is dropped; one arriving
// ahead of the cursor is buffered. Neither yields anything.
func (r *reliableReorder) Accept(rec decodedMessage) []decodedMessage {
	if rec.SN.Less(r.cursor) {
		return nil
	}
	if rec.SN != r.cursor {
		r.pending[rec.SN] = rec
		return nil
	}

	ready := []decodedMessage{rec}
	r.cursor = r.cursor.Next()
	for {
		next, ok := r.pending[r.cursor]
		if !ok {
			break
		}
		delete(r.pending, r.cursor)
		ready = append(ready, next)
		r.cursor = r.cursor.Next()
	}
	return ready
}

// dedupState is Core's node-level duplicate-suppression bookkeeping, kept
// separate per remote source (spec.md §4.5).
type dedupState struct {
	// reliableOrder tracks, per remote source, the in-order delivery cursor
	// and any reliable messages buffered ahead of it.
	reliableOrder map[uuid.UUID]*reliableReorder

	// unreliableSeen tracks, per remote source, recently seen user ids.
	unreliableSeen map[uuid.UUID]*recentUserIDs
}

func newDedupState() *dedupState {
	return &dedupState{
		reliableOrder:  make(map[uuid.UUID]*reliableReorder),
		unreliableSeen: make(map[uuid.UUID]*recentUserIDs),
	}
}

// reliableOrderFor returns (creating if necessary) the in-order delivery
// state for source.
func (d *dedupState) reliableOrderFor(source uuid.UUID) *reliableReorder {
	order, ok := d.reliableOrder[source]
	if !ok {
		order = newReliableReorder()
		d.reliableOrder[source] = order
	}
	return order
}

// unreliableSeenSet returns (creating if necessary) the recent-id cache for
// source.
func (d *dedupState) unreliableSeenSet(source uuid.UUID) *recentUserIDs {
	set, ok := d.unreliableSeen[source]
	if !ok {
		set = newRecentUserIDs(defaultRecentUserIDCapacity)
		d.unreliableSeen[source] = set
	}
	return set
}
