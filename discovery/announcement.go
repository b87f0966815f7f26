// Package discovery finds other overlay nodes on the local network segment
// via UDP multicast, without needing a rendezvous server or static peer
// list.
package discovery

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	address4 = "224.23.23.23"
	address6 = "ff02::23:23:23"
	port     = 35039
)

// Announcement is broadcast periodically by a node to advertise the UDP
// port its overlay link listens on. Encoding is a fixed-width binary
// layout in the same style as the transport package's datagrams, not CBOR:
// there is exactly one small struct to describe, and pulling in a generic
// codec for it would be the tail wagging the dog.
type Announcement struct {
	Peer uuid.UUID
	Port uint16
}

const announcementLen = 16 + 2

// MarshalAnnouncements encodes one or more Announcements into a single
// multicast payload.
func MarshalAnnouncements(as []Announcement) ([]byte, error) {
	buf := make([]byte, 0, len(as)*announcementLen)
	for _, a := range as {
		buf = append(buf, a.Peer[:]...)
		var portBytes [2]byte
		binary.BigEndian.PutUint16(portBytes[:], a.Port)
		buf = append(buf, portBytes[:]...)
	}
	return buf, nil
}

// UnmarshalAnnouncements decodes a multicast payload produced by
// MarshalAnnouncements.
func UnmarshalAnnouncements(buf []byte) ([]Announcement, error) {
	if len(buf)%announcementLen != 0 {
		return nil, fmt.Errorf("discovery: payload length %d is not a multiple of %d", len(buf), announcementLen)
	}

	var out []Announcement
	for off := 0; off < len(buf); off += announcementLen {
		var a Announcement
		copy(a.Peer[:], buf[off:off+16])
		a.Port = binary.BigEndian.Uint16(buf[off+16 : off+announcementLen])
		out = append(out, a)
	}
	return out, nil
}
