package capture

import (
	"io"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// fileSource implements Source by replaying a pcap capture file through
// gopacket/pcapgo, translating its declared link type once at open time.
type fileSource struct {
	r        *pcapgo.Reader
	closer   io.Closer
	linkType LinkType
}

// toLinkType maps the handful of gopacket link types the decoder
// understands onto
// capture.LinkType, rejecting everything else at construction time rather
// than per packet.
func toLinkType(lt layers.LinkType) (LinkType, bool) {
	switch lt {
	case layers.LinkTypeEthernet:
		return Ethernet, true
	case layers.LinkTypeLinuxSLL:
		return LinuxCooked, true
	default:
		return 0, false
	}
}

// NewPcapFileSource opens a classic (non-pcapng) capture file already open
// on rc and returns a Source that replays its frames in file order. The
// caller retains ownership of rc only until Close is called on the
// returned Source.
func NewPcapFileSource(rc io.ReadCloser) (Source, error) {
	r, err := pcapgo.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, err
	}
	lt, ok := toLinkType(r.LinkType())
	if !ok {
		rc.Close()
		return nil, ErrUnsupportedLinkType
	}
	return &fileSource{r: r, closer: rc, linkType: lt}, nil
}

// NextPacket returns the next frame in file order. End of file is reported
// as io.EOF, which the engine treats as the capture source closing: the
// tick loop exits cleanly rather than polling a finished file forever.
func (s *fileSource) NextPacket() (Packet, error) {
	data, ci, err := s.r.ReadPacketData()
	if err != nil {
		return Packet{}, err
	}
	return Packet{
		Timestamp:   ci.Timestamp,
		OriginalLen: ci.Length,
		CapturedLen: ci.CaptureLength,
		Bytes:       data,
		LinkType:    s.linkType,
	}, nil
}

func (s *fileSource) Close() error {
	return s.closer.Close()
}
