package videodetect_test

import (
	"testing"

	"github.com/m-lab/flowlens/internal/videodetect"
)

// tsPacket builds one 188-byte transport stream packet.
func tsPacket(pid uint16, afc, cc uint8) []byte {
	pkt := make([]byte, 188)
	pkt[0] = 0x47
	pkt[1] = byte(pid >> 8)
	pkt[2] = byte(pid)
	pkt[3] = afc<<4 | cc
	return pkt
}

func TestDetectMPEGTS(t *testing.T) {
	var buf []byte
	buf = append(buf, tsPacket(0x0000, 1, 0)...) // PAT, skipped
	buf = append(buf, tsPacket(0x0100, 1, 1)...)
	buf = append(buf, tsPacket(0x0100, 1, 2)...)
	buf = append(buf, tsPacket(0x1fff, 1, 0)...) // null packet, skipped

	info, ok := videodetect.DetectMPEGTS(buf)
	if !ok {
		t.Fatal("DetectMPEGTS = false for a valid 4-packet buffer")
	}
	if info.PacketCount != 4 {
		t.Errorf("PacketCount = %d, want 4", info.PacketCount)
	}
	if !info.HasVideoPID || info.VideoPID != 0x0100 {
		t.Errorf("VideoPID = %#x (has=%v), want 0x100", info.VideoPID, info.HasVideoPID)
	}
	if info.CC != 1 {
		t.Errorf("CC = %d, want 1 (from the first matching packet)", info.CC)
	}
}

func TestDetectMPEGTSRejectsBadSync(t *testing.T) {
	buf := append(tsPacket(0x0100, 1, 0), tsPacket(0x0100, 1, 1)...)
	buf[188] = 0x48 // corrupt the second sync byte
	if _, ok := videodetect.DetectMPEGTS(buf); ok {
		t.Error("expected rejection with a corrupt sync byte")
	}
}

func TestDetectMPEGTSRejectsShortBuffer(t *testing.T) {
	if _, ok := videodetect.DetectMPEGTS(make([]byte, 100)); ok {
		t.Error("expected rejection for a buffer shorter than one packet")
	}
}

func TestDetectMPEGTSSinglePacket(t *testing.T) {
	info, ok := videodetect.DetectMPEGTS(tsPacket(0x0042, 3, 5))
	if !ok {
		t.Fatal("DetectMPEGTS = false for one valid packet")
	}
	if info.VideoPID != 0x0042 || info.AdaptationFC != 3 || info.CC != 5 {
		t.Errorf("got PID %#x AFC %d CC %d, want 0x42/3/5", info.VideoPID, info.AdaptationFC, info.CC)
	}
}
