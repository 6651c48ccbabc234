package tunnel

import (
	"fmt"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// describePacket renders an IP header for debug logs.
func describePacket(pkt []byte) string {
	if len(pkt) == 0 {
		return "empty packet"
	}

	switch pkt[0] >> 4 {
	case ipv4.Version:
		h, err := ipv4.ParseHeader(pkt)
		if err != nil {
			return fmt.Sprintf("ipv4 (bad header: %v) %d bytes", err, len(pkt))
		}
		return fmt.Sprintf("ipv4 %s -> %s proto=%d ttl=%d len=%d", h.Src, h.Dst, h.Protocol, h.TTL, len(pkt))

	case ipv6.Version:
		h, err := ipv6.ParseHeader(pkt)
		if err != nil {
			return fmt.Sprintf("ipv6 (bad header: %v) %d bytes", err, len(pkt))
		}
		return fmt.Sprintf("ipv6 %s -> %s next=%d hop=%d len=%d", h.Src, h.Dst, h.NextHeader, h.HopLimit, len(pkt))
	}

	return fmt.Sprintf("non-ip packet (version %d) %d bytes", pkt[0]>>4, len(pkt))
}
