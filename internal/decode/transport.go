package decode

import (
	"encoding/binary"

	"github.com/m-lab/flowlens/internal/flow"
)

// l4Result carries the ports (or synthesized pseudo-ports) and the proto
// number for the transport header.
type l4Result struct {
	srcPort, dstPort uint16
	proto            flow.L4Proto
}

// parseL4 dispatches on the IP protocol number.
func parseL4(proto uint8, payload []byte) (*l4Result, error) {
	switch proto {
	case protoTCP:
		return parseTCPPorts(payload)
	case protoUDP:
		return parseUDPPorts(payload)
	case protoICMP:
		return parseICMPPorts(payload)
	case protoICMPv6:
		return parseICMPv6Ports(payload)
	case protoIGMP:
		return &l4Result{proto: flow.ProtoIGMP}, nil
	case protoESP:
		return &l4Result{proto: flow.ProtoESP}, nil
	default:
		return nil, unsupported("unrecognized IP protocol")
	}
}

func parseTCPPorts(data []byte) (*l4Result, error) {
	if len(data) < 20 {
		return nil, malformed("truncated TCP header")
	}
	dataOffset := int(data[12] >> 4)
	if dataOffset < 5 {
		return nil, malformed("TCP data offset < 5")
	}
	if len(data) < dataOffset*4 {
		return nil, malformed("TCP header shorter than declared data offset")
	}
	return &l4Result{
		srcPort: binary.BigEndian.Uint16(data[0:2]),
		dstPort: binary.BigEndian.Uint16(data[2:4]),
		proto:   flow.ProtoTCP,
	}, nil
}

// TCPFlags is the set of single-bit control flags from the TCP header's
// flags octet.
type TCPFlags struct {
	FIN, SYN, RST, PSH, ACK, URG, ECE, CWR bool
}

const (
	tcpFlagFIN = 0x01
	tcpFlagSYN = 0x02
	tcpFlagRST = 0x04
	tcpFlagPSH = 0x08
	tcpFlagACK = 0x10
	tcpFlagURG = 0x20
	tcpFlagECE = 0x40
	tcpFlagCWR = 0x80
)

func parseTCPFlags(b uint8) TCPFlags {
	return TCPFlags{
		FIN: b&tcpFlagFIN != 0,
		SYN: b&tcpFlagSYN != 0,
		RST: b&tcpFlagRST != 0,
		PSH: b&tcpFlagPSH != 0,
		ACK: b&tcpFlagACK != 0,
		URG: b&tcpFlagURG != 0,
		ECE: b&tcpFlagECE != 0,
		CWR: b&tcpFlagCWR != 0,
	}
}

// TCPSegment is the full set of TCP header fields the engine's RTT and
// window trackers need, beyond the ports already folded into FlowKey.
type TCPSegment struct {
	SeqNum, AckNum uint32
	DataOffset     int
	Flags          TCPFlags
	Window         uint16
	Options        []byte // raw options bytes, for window-scale extraction
	PayloadLen     int
}

// ParseTCPSegment parses the full TCP header (not just the ports) from data,
// which must start at the TCP header (i.e. frame[result.L4Offset:result.L4End]
// from a decode.Decode result whose Key.L4Proto is flow.ProtoTCP).
func ParseTCPSegment(data []byte) (*TCPSegment, error) {
	if len(data) < 20 {
		return nil, malformed("truncated TCP header")
	}
	dataOffset := int(data[12] >> 4)
	if dataOffset < 5 {
		return nil, malformed("TCP data offset < 5")
	}
	hdrLen := dataOffset * 4
	if len(data) < hdrLen {
		return nil, malformed("TCP header shorter than declared data offset")
	}
	return &TCPSegment{
		SeqNum:     binary.BigEndian.Uint32(data[4:8]),
		AckNum:     binary.BigEndian.Uint32(data[8:12]),
		DataOffset: dataOffset,
		Flags:      parseTCPFlags(data[13]),
		Window:     binary.BigEndian.Uint16(data[14:16]),
		Options:    data[20:hdrLen],
		PayloadLen: len(data) - hdrLen,
	}, nil
}

func parseUDPPorts(data []byte) (*l4Result, error) {
	if len(data) < 8 {
		return nil, malformed("truncated UDP header")
	}
	return &l4Result{
		srcPort: binary.BigEndian.Uint16(data[0:2]),
		dstPort: binary.BigEndian.Uint16(data[2:4]),
		proto:   flow.ProtoUDP,
	}, nil
}

const (
	icmpEchoReply   = 0
	icmpEchoRequest = 8
	icmpv6EchoReq   = 128
	icmpv6EchoReply = 129
)

func parseICMPPorts(data []byte) (*l4Result, error) {
	if len(data) < 8 {
		return nil, malformed("truncated ICMP header")
	}
	icmpType, code := data[0], data[1]
	var id uint16
	if icmpType == icmpEchoRequest || icmpType == icmpEchoReply {
		id = binary.BigEndian.Uint16(data[4:6])
	}
	src, dst := flow.SynthesizeICMPPorts(icmpType, code, id)
	return &l4Result{srcPort: src, dstPort: dst, proto: flow.ProtoICMP}, nil
}

func parseICMPv6Ports(data []byte) (*l4Result, error) {
	if len(data) < 8 {
		return nil, malformed("truncated ICMPv6 header")
	}
	icmpType, code := data[0], data[1]
	var id uint16
	if icmpType == icmpv6EchoReq || icmpType == icmpv6EchoReply {
		id = binary.BigEndian.Uint16(data[4:6])
	}
	src, dst := flow.SynthesizeICMPPorts(icmpType, code, id)
	return &l4Result{srcPort: src, dstPort: dst, proto: flow.ProtoICMPv6}, nil
}
