package tracker

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

const (
	compactIPv4Len = 6
	compactIPv6Len = 18
)

// parseCompactPeers decodes a compact peer list: each entry is an IPv4 or
// IPv6 address followed by a big-endian port.
func parseCompactPeers(b []byte, entryLen int) ([]netip.AddrPort, error) {
	if len(b)%entryLen != 0 {
		return nil, errors.Errorf("tracker: compact peer list of %d bytes is not a multiple of %d", len(b), entryLen)
	}

	peers := make([]netip.AddrPort, 0, len(b)/entryLen)
	for off := 0; off < len(b); off += entryLen {
		entry := b[off : off+entryLen]
		ipLen := entryLen - 2

		addr, ok := netip.AddrFromSlice(entry[:ipLen])
		if !ok {
			return nil, errors.Errorf("tracker: bad peer address %x", entry[:ipLen])
		}
		port := binary.BigEndian.Uint16(entry[ipLen:])
		peers = append(peers, netip.AddrPortFrom(addr, port))
	}
	return peers, nil
}
