package decode

import (
	"encoding/binary"

	"github.com/m-lab/flowlens/internal/flow"
)

const (
	protoHopByHop    = 0
	protoICMP        = 1
	protoIGMP        = 2
	protoTCP         = 6
	protoUDP         = 17
	protoRouting     = 43
	protoFragment    = 44
	protoESP         = 50
	protoICMPv6      = 58
	protoNoNextHdr   = 59
	protoDestOptions = 60
)

// ipv4Header holds the fields of an IPv4 header we care about, plus the
// header's own length and the payload that follows it.
type ipv4Header struct {
	dscp      uint8
	protocol  uint8
	src, dst  flow.Addr
	headerLen int
	payload   []byte
}

func parseIPv4(data []byte) (*ipv4Header, error) {
	if len(data) < 20 {
		return nil, malformed("truncated IPv4 header")
	}
	verIHL := data[0]
	version := verIHL >> 4
	ihl := int(verIHL & 0x0F)
	if version != 4 {
		return nil, malformed("IPv4 header has wrong version nibble")
	}
	if ihl < 5 {
		return nil, malformed("IPv4 IHL < 5")
	}
	hdrLen := ihl * 4
	if len(data) < hdrLen {
		return nil, malformed("IPv4 header shorter than declared IHL")
	}
	totalLen := int(binary.BigEndian.Uint16(data[2:4]))
	if totalLen > 0 && totalLen < hdrLen {
		return nil, malformed("IPv4 total length shorter than header")
	}
	h := &ipv4Header{
		dscp:      data[1] >> 2,
		protocol:  data[9],
		headerLen: hdrLen,
	}
	copy(h.src[:4], data[12:16])
	copy(h.dst[:4], data[16:20])
	h.payload = data[hdrLen:]
	if totalLen > 0 && totalLen <= len(data) {
		h.payload = data[hdrLen:totalLen]
	}
	return h, nil
}

type ipv6Header struct {
	dscp      uint8
	nextHdr   uint8
	src, dst  flow.Addr
	headerLen int // fixed header plus every extension header walked
	payload   []byte
}

func parseIPv6(data []byte) (*ipv6Header, error) {
	const fixedLen = 40
	if len(data) < fixedLen {
		return nil, malformed("truncated IPv6 header")
	}
	version := data[0] >> 4
	if version != 6 {
		return nil, malformed("IPv6 header has wrong version nibble")
	}
	trafficClass := (uint16(data[0]&0x0F)<<4 | uint16(data[1])>>4) & 0xFF
	payloadLen := int(binary.BigEndian.Uint16(data[4:6]))
	nextHdr := data[6]

	h := &ipv6Header{dscp: uint8(trafficClass >> 2)}
	copy(h.src[:], data[8:24])
	copy(h.dst[:], data[24:40])

	rest := data[fixedLen:]
	if payloadLen > 0 && payloadLen <= len(rest) {
		rest = rest[:payloadLen]
	}

	// Walk extension headers. Each of Hop-by-Hop, Routing, Fragment, and
	// Destination Options encodes its own length; every
	// step is bounds-checked against the remaining payload before we trust
	// its length field.
	next := nextHdr
	consumed := fixedLen
	for {
		switch next {
		case protoHopByHop, protoRouting, protoDestOptions:
			if len(rest) < 2 {
				return nil, malformed("truncated IPv6 extension header")
			}
			extLen := (int(rest[1]) + 1) * 8
			if extLen > len(rest) {
				return nil, malformed("IPv6 extension header overruns end of packet")
			}
			next = rest[0]
			rest = rest[extLen:]
			consumed += extLen
			continue
		case protoFragment:
			const fragHdrLen = 8
			if len(rest) < fragHdrLen {
				return nil, malformed("truncated IPv6 fragment header")
			}
			next = rest[0]
			rest = rest[fragHdrLen:]
			consumed += fragHdrLen
			continue
		case protoNoNextHdr:
			return nil, ignored("IPv6 no-next-header")
		default:
			h.nextHdr = next
			h.headerLen = consumed
			h.payload = rest
			return h, nil
		}
	}
}
