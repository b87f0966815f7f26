package transport

// AckSet is a compact sliding-window acknowledgement structure: one highest
// observed SequenceNumber plus a 31-bit bitmap of its predecessors. It
// represents "SNs I have observed from a given sender" within the last 32
// slots, and is cheap enough to piggyback on every outbound datagram.
//
// Grounded on club/transport/ack_set.h's AckSet::try_add; see DESIGN.md.
type AckSet struct {
	nonEmpty     bool // false in the zero value, so a zero AckSet is empty
	highest      SequenceNumber
	predecessors uint32 // bits 0..30 valid; bit i set => highest-(i+1) seen
}

// IsEmpty reports whether no SN is represented yet.
func (a *AckSet) IsEmpty() bool {
	return !a.nonEmpty
}

// Highest returns the highest represented SN. Only valid if !IsEmpty().
func (a *AckSet) Highest() SequenceNumber {
	return a.highest
}

// TryAdd records sn as observed. It returns false only when sn lies more
// than 31 ahead of the current highest SN — advancing that far would push
// the window past slots the caller has not yet been told about, and the
// AckSet refuses to silently lose that information. Everywhere else it
// returns true, including the two "nothing to do" cases (empty set gains
// its first member; sn already represented).
//
// This implementation resolves spec.md §3's open question by always
// accepting in-window advances (sn-highest <= 31): see SPEC_FULL.md §3 for
// the rationale. The AckSet deliberately forgets the oldest acks to make
// room rather than stall the sender.
func (a *AckSet) TryAdd(sn SequenceNumber) bool {
	if !a.nonEmpty {
		a.highest = sn
		a.predecessors = 0
		a.nonEmpty = true
		return true
	}

	diff := sn.Sub(a.highest) // sn - highest

	switch {
	case diff == 0:
		return true

	case diff < 0:
		behind := -diff
		if behind > 31 {
			// Below the floor of the window: conceded as a loss.
			return true
		}
		a.predecessors |= 1 << uint(behind-1)
		return true

	default: // diff > 0, sn is ahead of highest
		if diff > 31 {
			return false
		}
		shift := uint(diff)
		a.predecessors = (a.predecessors << shift) | (1 << (shift - 1))
		a.highest = sn
		return true
	}
}

// Contains reports whether sn is represented in the window (either as the
// highest SN or as a marked predecessor). SNs below the window floor are
// reported as not contained, since the AckSet has no memory of them.
func (a *AckSet) Contains(sn SequenceNumber) bool {
	if !a.nonEmpty {
		return false
	}
	diff := sn.Sub(a.highest)
	if diff == 0 {
		return true
	}
	if diff > 0 || -diff > 31 {
		return false
	}
	behind := uint(-diff)
	return a.predecessors&(1<<(behind-1)) != 0
}

// ForEach calls fn with every represented SN in decreasing order, starting
// with Highest(). It is a no-op on an empty set.
func (a *AckSet) ForEach(fn func(SequenceNumber)) {
	if !a.nonEmpty {
		return
	}
	fn(a.highest)
	for i := uint(0); i < 31; i++ {
		if a.predecessors&(1<<i) != 0 {
			fn(a.highest - SequenceNumber(i+1))
		}
	}
}

// Ordered returns every represented SN in decreasing order as a slice, for
// callers that don't want to thread a closure through.
func (a *AckSet) Ordered() []SequenceNumber {
	var out []SequenceNumber
	a.ForEach(func(sn SequenceNumber) { out = append(out, sn) })
	return out
}
