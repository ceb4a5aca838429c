package tracker

import "math/rand/v2"

// peerIDPrefix is the Azureus-style client tag at the start of generated
// peer IDs.
const peerIDPrefix = "-UB0001-"

const peerIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NewPeerID returns the client tag followed by random characters.
func NewPeerID() [20]byte {
	return PeerIDFromString(peerIDPrefix)
}

// PeerIDFromString uses s as the start of a peer ID and fills the rest with
// random characters. Bytes beyond the twentieth are dropped.
func PeerIDFromString(s string) [20]byte {
	var id [20]byte
	n := copy(id[:], s)
	for i := n; i < len(id); i++ {
		id[i] = peerIDAlphabet[rand.IntN(len(peerIDAlphabet))]
	}
	return id
}

// ParseEvent maps the names used by HTTP trackers to an Event. The empty
// string and "none" are EventNone.
func ParseEvent(s string) (Event, bool) {
	switch s {
	case "", "none":
		return EventNone, true
	case "completed":
		return EventCompleted, true
	case "started":
		return EventStarted, true
	case "stopped":
		return EventStopped, true
	default:
		return EventNone, false
	}
}
