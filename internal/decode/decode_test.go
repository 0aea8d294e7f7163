package decode_test

import (
	"encoding/binary"
	"testing"

	"github.com/m-lab/flowlens/internal/decode"
	"github.com/m-lab/flowlens/internal/flow"
)

func ethHeader(ethertype uint16) []byte {
	h := make([]byte, 14)
	binary.BigEndian.PutUint16(h[12:14], ethertype)
	return h
}

func ipv4Header(proto uint8, src, dst [4]byte, payloadLen int) []byte {
	h := make([]byte, 20)
	h[0] = 0x45 // version 4, IHL 5
	h[1] = 0    // DSCP/ECN
	binary.BigEndian.PutUint16(h[2:4], uint16(20+payloadLen))
	h[8] = 64 // TTL
	h[9] = proto
	copy(h[12:16], src[:])
	copy(h[16:20], dst[:])
	return h
}

func tcpHeader(sport, dport uint16, seq, ack uint32, flags uint8) []byte {
	h := make([]byte, 20)
	binary.BigEndian.PutUint16(h[0:2], sport)
	binary.BigEndian.PutUint16(h[2:4], dport)
	binary.BigEndian.PutUint32(h[4:8], seq)
	binary.BigEndian.PutUint32(h[8:12], ack)
	h[12] = 5 << 4 // data offset 5, no options
	h[13] = flags
	binary.BigEndian.PutUint16(h[14:16], 65535) // window
	return h
}

func buildEthIPv4TCP(t *testing.T) []byte {
	t.Helper()
	tcp := tcpHeader(1234, 80, 1000, 0, 0x02)
	ip := ipv4Header(6, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, len(tcp))
	eth := ethHeader(0x0800)
	return append(append(eth, ip...), tcp...)
}

func TestDecodeEthIPv4TCP(t *testing.T) {
	frame := buildEthIPv4TCP(t)
	res, err := decode.Decode(decode.Ethernet, len(frame), frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if res.Key.L4Proto != flow.ProtoTCP {
		t.Errorf("expected TCP, got %v", res.Key.L4Proto)
	}
	if res.Key.SrcPort != 1234 || res.Key.DstPort != 80 {
		t.Errorf("unexpected ports: %d -> %d", res.Key.SrcPort, res.Key.DstPort)
	}
	wantL4Offset := 14 + 20
	if res.L4Offset != wantL4Offset {
		t.Errorf("L4Offset = %d, want %d", res.L4Offset, wantL4Offset)
	}
}

func TestDecodeVLANTagged(t *testing.T) {
	tcp := tcpHeader(1234, 80, 1000, 0, 0x02)
	ip := ipv4Header(6, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, len(tcp))
	eth := ethHeader(0x8100)
	vlan := make([]byte, 4)
	binary.BigEndian.PutUint16(vlan[0:2], 100) // VID 100
	binary.BigEndian.PutUint16(vlan[2:4], 0x0800)
	frame := append(append(append(eth, vlan...), ip...), tcp...)

	res, err := decode.Decode(decode.Ethernet, len(frame), frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if res.Key.L4Proto != flow.ProtoTCP {
		t.Errorf("expected TCP after VLAN peel, got %v", res.Key.L4Proto)
	}
}

func TestDecodeDoubleVLANUnsupported(t *testing.T) {
	eth := ethHeader(0x8100)
	vlan1 := make([]byte, 4)
	binary.BigEndian.PutUint16(vlan1[2:4], 0x8100)
	vlan2 := make([]byte, 4)
	binary.BigEndian.PutUint16(vlan2[2:4], 0x0800)
	frame := append(append(eth, vlan1...), vlan2...)

	_, err := decode.Decode(decode.Ethernet, len(frame), frame)
	de, ok := err.(*decode.Error)
	if !ok || de.Kind != decode.KindUnsupported {
		t.Fatalf("expected Unsupported error, got %v", err)
	}
}

// Ethernet pads frames below the 60-byte minimum; the padding sits after
// the IP total length and must be excluded from both the transport offset
// and the transport payload.
func TestDecodePaddedFrame(t *testing.T) {
	tcp := tcpHeader(1234, 80, 1000, 0, 0x10) // pure ACK, no payload
	ip := ipv4Header(6, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, len(tcp))
	eth := ethHeader(0x0800)
	frame := append(append(eth, ip...), tcp...)
	frame = append(frame, make([]byte, 60-len(frame))...) // pad to minimum

	res, err := decode.Decode(decode.Ethernet, len(frame), frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if res.L4Offset != 34 {
		t.Fatalf("L4Offset = %d, want 34 (14 link + 20 IP), padding must not shift it", res.L4Offset)
	}
	if res.L4End != 54 {
		t.Fatalf("L4End = %d, want 54 (IP total length), padding must not extend it", res.L4End)
	}

	seg, err := decode.ParseTCPSegment(frame[res.L4Offset:res.L4End])
	if err != nil {
		t.Fatalf("ParseTCPSegment: %v", err)
	}
	if seg.SeqNum != 1000 || !seg.Flags.ACK || seg.Window != 65535 {
		t.Errorf("header misparsed on padded frame: %+v", seg)
	}
	if seg.PayloadLen != 0 {
		t.Errorf("PayloadLen = %d, want 0; padding counted as TCP payload", seg.PayloadLen)
	}
}

func TestDecodeARPIgnored(t *testing.T) {
	eth := ethHeader(0x0806)
	frame := append(eth, make([]byte, 28)...)
	_, err := decode.Decode(decode.Ethernet, len(frame), frame)
	de, ok := err.(*decode.Error)
	if !ok || de.Kind != decode.KindIgnored {
		t.Fatalf("expected Ignored error, got %v", err)
	}
}

func TestDecodeTruncatedEthernetMalformed(t *testing.T) {
	frame := make([]byte, 10)
	_, err := decode.Decode(decode.Ethernet, 10, frame)
	de, ok := err.(*decode.Error)
	if !ok || de.Kind != decode.KindMalformed {
		t.Fatalf("expected Malformed error, got %v", err)
	}
}

func TestDecodeTCPDataOffsetTooSmall(t *testing.T) {
	tcp := tcpHeader(1234, 80, 1000, 0, 0x02)
	tcp[12] = 4 << 4 // data offset 4 < 5
	ip := ipv4Header(6, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, len(tcp))
	eth := ethHeader(0x0800)
	frame := append(append(eth, ip...), tcp...)

	_, err := decode.Decode(decode.Ethernet, len(frame), frame)
	de, ok := err.(*decode.Error)
	if !ok || de.Kind != decode.KindMalformed {
		t.Fatalf("expected Malformed for data offset < 5, got %v", err)
	}
}

func TestDecodeICMPEchoFormsOneFlow(t *testing.T) {
	icmpReq := make([]byte, 8)
	icmpReq[0] = 8 // echo request
	binary.BigEndian.PutUint16(icmpReq[4:6], 0xABCD)
	ipReq := ipv4Header(1, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, len(icmpReq))
	frameReq := append(append(ethHeader(0x0800), ipReq...), icmpReq...)

	icmpReply := make([]byte, 8)
	icmpReply[0] = 0 // echo reply
	binary.BigEndian.PutUint16(icmpReply[4:6], 0xABCD)
	ipReply := ipv4Header(1, [4]byte{10, 0, 0, 2}, [4]byte{10, 0, 0, 1}, len(icmpReply))
	frameReply := append(append(ethHeader(0x0800), ipReply...), icmpReply...)

	reqRes, err := decode.Decode(decode.Ethernet, len(frameReq), frameReq)
	if err != nil {
		t.Fatalf("decode request: %v", err)
	}
	replyRes, err := decode.Decode(decode.Ethernet, len(frameReply), frameReply)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}

	if reqRes.Key.Reverse() != replyRes.Key {
		t.Errorf("echo request/reply should form one bidirectional flow: %+v vs reverse %+v", replyRes.Key, reqRes.Key.Reverse())
	}
}

func TestDecodeIPv6HopByHopExtHeader(t *testing.T) {
	udp := make([]byte, 8)
	binary.BigEndian.PutUint16(udp[0:2], 5000)
	binary.BigEndian.PutUint16(udp[2:4], 5001)
	binary.BigEndian.PutUint16(udp[4:6], uint16(8+len(udp)-8))

	hopByHop := make([]byte, 8)
	hopByHop[0] = 17 // next header = UDP
	hopByHop[1] = 0  // length = (0+1)*8 = 8 bytes

	ip6 := make([]byte, 40)
	ip6[0] = 0x60 // version 6
	binary.BigEndian.PutUint16(ip6[4:6], uint16(len(hopByHop)+len(udp)))
	ip6[6] = 0 // next header = hop-by-hop
	ip6[7] = 64
	copy(ip6[8:24], []byte{0x20, 1, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1})
	copy(ip6[24:40], []byte{0x20, 1, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2})

	frame := append(append(append(ethHeader(0x86DD), ip6...), hopByHop...), udp...)
	res, err := decode.Decode(decode.Ethernet, len(frame), frame)
	if err != nil {
		t.Fatalf("Decode IPv6 with hop-by-hop failed: %v", err)
	}
	if res.Key.L4Proto != flow.ProtoUDP {
		t.Errorf("expected UDP after ext header walk, got %v", res.Key.L4Proto)
	}
	if res.Key.SrcPort != 5000 || res.Key.DstPort != 5001 {
		t.Errorf("unexpected ports %d -> %d", res.Key.SrcPort, res.Key.DstPort)
	}
}

func TestDecodeIPv6ExtHeaderOverrunMalformed(t *testing.T) {
	ip6 := make([]byte, 40)
	ip6[0] = 0x60
	ip6[6] = 0 // hop-by-hop
	binary.BigEndian.PutUint16(ip6[4:6], 4)
	hopByHop := make([]byte, 4)
	hopByHop[0] = 17
	hopByHop[1] = 10 // claims (10+1)*8 = 88 bytes, far more than available

	frame := append(append(ethHeader(0x86DD), ip6...), hopByHop...)
	_, err := decode.Decode(decode.Ethernet, len(frame), frame)
	de, ok := err.(*decode.Error)
	if !ok || de.Kind != decode.KindMalformed {
		t.Fatalf("expected Malformed for ext header overrun, got %v", err)
	}
}

func TestDecodeLinuxCooked(t *testing.T) {
	tcp := tcpHeader(1234, 80, 1000, 0, 0x02)
	ip := ipv4Header(6, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, len(tcp))
	sll := make([]byte, 16)
	binary.BigEndian.PutUint16(sll[14:16], 0x0800)
	frame := append(append(sll, ip...), tcp...)

	res, err := decode.Decode(decode.LinuxCooked, len(frame), frame)
	if err != nil {
		t.Fatalf("Decode (SLL) failed: %v", err)
	}
	if res.Key.L4Proto != flow.ProtoTCP {
		t.Errorf("expected TCP, got %v", res.Key.L4Proto)
	}
}
