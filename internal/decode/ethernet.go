package decode

import "encoding/binary"

// LinkType identifies the outermost framing of a captured frame, matching
// the two link types the capture-source collaborator promises.
type LinkType int

const (
	// Ethernet is DLT_EN10MB: 14 byte dst/src/ethertype header.
	Ethernet LinkType = iota
	// LinuxCooked is DLT_LINUX_SLL: 16 byte "any" header.
	LinuxCooked
)

const (
	etherTypeIPv4      = 0x0800
	etherTypeIPv6      = 0x86DD
	etherTypeARP       = 0x0806
	etherTypeVLAN      = 0x8100
	etherTypeVLANQinQ  = 0x88A8
	etherTypeLLDP      = 0x88CC
	ethernetHeaderLen  = 14
	sllHeaderLen       = 16
	vlanTagLen         = 4
)

// peelLink strips the outermost link-layer header, returning the ethertype
// of the next header and the remaining payload.
func peelLink(linkType LinkType, data []byte) (ethertype uint16, payload []byte, err error) {
	switch linkType {
	case Ethernet:
		if len(data) < ethernetHeaderLen {
			return 0, nil, malformed("truncated ethernet header")
		}
		return binary.BigEndian.Uint16(data[12:14]), data[ethernetHeaderLen:], nil
	case LinuxCooked:
		if len(data) < sllHeaderLen {
			return 0, nil, malformed("truncated SLL header")
		}
		return binary.BigEndian.Uint16(data[14:16]), data[sllHeaderLen:], nil
	default:
		return 0, nil, unsupported("unknown link type")
	}
}

// peelVLAN strips exactly one 802.1Q/802.1ad VLAN tag if present. A frame
// whose inner ethertype is itself a VLAN tag (double-tagged / QinQ) is
// reported Unsupported rather than peeled again.
func peelVLAN(ethertype uint16, payload []byte) (inner uint16, rest []byte, err error) {
	if ethertype != etherTypeVLAN && ethertype != etherTypeVLANQinQ {
		return ethertype, payload, nil
	}
	if len(payload) < vlanTagLen {
		return 0, nil, malformed("truncated VLAN tag")
	}
	inner = binary.BigEndian.Uint16(payload[2:4])
	rest = payload[vlanTagLen:]
	if inner == etherTypeVLAN || inner == etherTypeVLANQinQ {
		return 0, nil, unsupported("double-tagged VLAN frames are not supported")
	}
	return inner, rest, nil
}
