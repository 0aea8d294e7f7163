// Package decode parses captured link-layer frames into a flow.FlowKey plus
// the byte offset of the transport header.
//
// The decoder never retains a reference to the frame buffer beyond the call
// to Decode: every returned field is copied or is a slice into the same
// buffer the caller already owns for the duration of one tick, consistent
// with the rule that nothing retains a packet beyond the configured
// sliding window; the ring, not the decoder, is responsible for bounding
// retention.
package decode

import (
	"github.com/m-lab/flowlens/internal/flow"
)

// Result is everything the engine needs from one decoded frame.
//
// L4Offset and L4End are computed from the link and IP header lengths, not
// from what is left of the buffer: Ethernet pads frames below the 60-byte
// minimum, so the captured buffer routinely extends past the IP total
// length, and slicing frame[L4Offset:L4End] is the only way to get the
// transport header without the padding misread as transport payload.
type Result struct {
	Key       flow.FlowKey
	Bytes     int64 // original (on-the-wire) length
	L4Offset  int   // byte offset of the transport header within the frame
	L4End     int   // byte offset one past the transport payload (IP total length)
	Truncated bool  // captured_len < original_len (snaplen truncation)
}

// Decode parses one captured frame. originalLen is the length of the packet
// as it appeared on the wire; frameBytes is the (possibly truncated) bytes
// actually captured. Decode returns a *Error (see errors.go) for any frame
// that does not yield a FlowKey; it never panics on malformed input.
func Decode(linkType LinkType, originalLen int, frameBytes []byte) (*Result, error) {
	ethertype, payload, err := peelLink(linkType, frameBytes)
	if err != nil {
		return nil, err
	}
	ethertype, payload, err = peelVLAN(ethertype, payload)
	if err != nil {
		return nil, err
	}

	switch ethertype {
	case etherTypeARP:
		return nil, ignored("ARP")
	case etherTypeLLDP:
		return nil, ignored("LLDP")
	case etherTypeIPv4:
		return decodeIPv4(originalLen, frameBytes, payload)
	case etherTypeIPv6:
		return decodeIPv6(originalLen, frameBytes, payload)
	default:
		return nil, unsupported("unrecognized ethertype")
	}
}

func decodeIPv4(originalLen int, frame, afterLink []byte) (*Result, error) {
	ip, err := parseIPv4(afterLink)
	if err != nil {
		return nil, err
	}
	l4Offset := len(frame) - len(afterLink) + ip.headerLen
	l4, err := parseL4(ip.protocol, ip.payload)
	if err != nil {
		return nil, err
	}
	key := flow.FlowKey{
		EtherType:    flow.IPv4,
		SrcAddr:      ip.src,
		DstAddr:      ip.dst,
		SrcPort:      l4.srcPort,
		DstPort:      l4.dstPort,
		L4Proto:      l4.proto,
		TrafficClass: ip.dscp,
	}
	return &Result{
		Key:       key,
		Bytes:     int64(originalLen),
		L4Offset:  l4Offset,
		L4End:     l4Offset + len(ip.payload),
		Truncated: len(frame) < originalLen,
	}, nil
}

func decodeIPv6(originalLen int, frame, afterLink []byte) (*Result, error) {
	ip, err := parseIPv6(afterLink)
	if err != nil {
		return nil, err
	}
	l4Offset := len(frame) - len(afterLink) + ip.headerLen
	l4, err := parseL4(ip.nextHdr, ip.payload)
	if err != nil {
		return nil, err
	}
	key := flow.FlowKey{
		EtherType:    flow.IPv6,
		SrcAddr:      ip.src,
		DstAddr:      ip.dst,
		SrcPort:      l4.srcPort,
		DstPort:      l4.dstPort,
		L4Proto:      l4.proto,
		TrafficClass: ip.dscp,
	}
	return &Result{
		Key:       key,
		Bytes:     int64(originalLen),
		L4Offset:  l4Offset,
		L4End:     l4Offset + len(ip.payload),
		Truncated: len(frame) < originalLen,
	}, nil
}
