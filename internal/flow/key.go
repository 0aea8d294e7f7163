// Package flow defines FlowKey, the hashable 5-tuple (+ DSCP) identity used
// throughout the engine, and CanonicalKey, its direction-agnostic form used
// for bidirectional TCP connection tracking.
package flow

import (
	"encoding/binary"
	"fmt"
	"net"
)

// EtherType discriminates the address family carried by a FlowKey. Keeping
// this as an explicit tag, rather than overlaying IPv4 and IPv6 addresses
// on one byte union, means a read of the wrong address family cannot
// happen: every read of Addr consults EtherType first.
type EtherType uint8

const (
	// Unknown marks a zero-value FlowKey; never produced by the decoder.
	Unknown EtherType = iota
	IPv4
	IPv6
)

func (e EtherType) String() string {
	switch e {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	default:
		return "Unknown"
	}
}

// L4Proto is the IP protocol number (TCP=6, UDP=17, ICMP=1, ICMPv6=58,
// IGMP=2, ESP=50), stored verbatim from the IP header.
type L4Proto uint8

const (
	ProtoICMP   L4Proto = 1
	ProtoIGMP   L4Proto = 2
	ProtoTCP    L4Proto = 6
	ProtoUDP    L4Proto = 17
	ProtoESP    L4Proto = 50
	ProtoICMPv6 L4Proto = 58
)

func (p L4Proto) String() string {
	switch p {
	case ProtoICMP:
		return "ICMP"
	case ProtoIGMP:
		return "IGMP"
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	case ProtoESP:
		return "ESP"
	case ProtoICMPv6:
		return "ICMPv6"
	default:
		return fmt.Sprintf("Proto(%d)", uint8(p))
	}
}

// Addr is a fixed-size address slot. Only the first 4 bytes are meaningful
// when the owning FlowKey's EtherType is IPv4; all 16 are meaningful for
// IPv6. Comparisons and hashing always go through FlowKey, which consults
// EtherType before ever slicing Addr, so an IPv4 key and an IPv6 key that
// happen to share their first 4 bytes can never compare equal.
type Addr [16]byte

// AddrFromIP packs a net.IP (4 or 16 byte form) into an Addr.
func AddrFromIP(ip net.IP) Addr {
	var a Addr
	if v4 := ip.To4(); v4 != nil {
		copy(a[:4], v4)
		return a
	}
	copy(a[:], ip.To16())
	return a
}

// IP returns the net.IP view of the address, using n bytes (4 or 16).
func (a Addr) IP(n int) net.IP {
	return net.IP(append([]byte(nil), a[:n]...))
}

// FlowKey is the hashable, comparable identity of a directed packet stream.
// Equality ignores any padding the Go compiler inserts; it is defined by
// field equality, not byte-for-byte struct comparison, which matters because
// Addr is oversized for IPv4 keys.
type FlowKey struct {
	EtherType    EtherType
	SrcAddr      Addr
	DstAddr      Addr
	SrcPort      uint16
	DstPort      uint16
	L4Proto      L4Proto
	TrafficClass uint8 // DSCP, upper 6 bits of ToS/TrafficClass
}

// addrLen returns 4 for IPv4 keys and 16 for IPv6 keys.
func (k FlowKey) addrLen() int {
	if k.EtherType == IPv4 {
		return 4
	}
	return 16
}

// Equal reports whether two FlowKeys identify the same directed flow.
func (k FlowKey) Equal(o FlowKey) bool {
	if k.EtherType != o.EtherType || k.L4Proto != o.L4Proto {
		return false
	}
	if k.SrcPort != o.SrcPort || k.DstPort != o.DstPort || k.TrafficClass != o.TrafficClass {
		return false
	}
	n := k.addrLen()
	return k.SrcAddr[:n] != nil && string(k.SrcAddr[:n]) == string(o.SrcAddr[:n]) &&
		string(k.DstAddr[:n]) == string(o.DstAddr[:n])
}

// Reverse swaps source and destination, yielding the key for the opposite
// direction of the same flow.
func (k FlowKey) Reverse() FlowKey {
	r := k
	r.SrcAddr, r.DstAddr = k.DstAddr, k.SrcAddr
	r.SrcPort, r.DstPort = k.DstPort, k.SrcPort
	return r
}

// String renders the key as "proto src:port -> dst:port" for logging.
func (k FlowKey) String() string {
	n := k.addrLen()
	return fmt.Sprintf("%s %s:%d -> %s:%d", k.L4Proto, k.SrcAddr.IP(n), k.SrcPort, k.DstAddr.IP(n), k.DstPort)
}

// Hash returns a 64 bit hash suitable for use as a map key substitute when a
// comparable struct isn't appropriate (FlowKey is itself comparable and
// Go-map-usable; Hash exists for callers building their own open-addressed
// tables).
func (k FlowKey) Hash() uint64 {
	n := k.addrLen()
	var buf [40]byte
	buf[0] = byte(k.EtherType)
	buf[1] = byte(k.L4Proto)
	buf[2] = k.TrafficClass
	binary.BigEndian.PutUint16(buf[3:5], k.SrcPort)
	binary.BigEndian.PutUint16(buf[5:7], k.DstPort)
	copy(buf[7:7+n], k.SrcAddr[:n])
	copy(buf[7+n:7+2*n], k.DstAddr[:n])
	return fnv1a(buf[:7+2*n])
}

func fnv1a(b []byte) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)
	h := uint64(offset)
	for _, c := range b {
		h ^= uint64(c)
		h *= prime
	}
	return h
}

// echoPseudoPort stands in for the "server" side of an ICMP echo exchange
// in the synthesized port pair. The value mirrors the classic echo service
// port; it only has to be stable, not routable.
const echoPseudoPort = 7

// SynthesizeICMPPorts derives pseudo source/destination ports for an ICMP
// or ICMPv6 header. Echo requests map to (identifier, echoPseudoPort) and
// echo replies to (echoPseudoPort, identifier), so the two legs of one
// ping are exact reverses of each other and canonicalize to a single
// bidirectional flow keyed by the echo identifier. Everything else gets
// (type<<8|code, 0), grouping by message type.
func SynthesizeICMPPorts(icmpType, icmpCode uint8, identifier uint16) (src, dst uint16) {
	switch icmpType {
	case 8, 128: // echo request, ICMP and ICMPv6
		return identifier, echoPseudoPort
	case 0, 129: // echo reply
		return echoPseudoPort, identifier
	}
	return uint16(icmpType)<<8 | uint16(icmpCode), 0
}
