// Package capture defines the Source interface the engine consumes: the
// link-layer capture driver is an external collaborator, described here
// only by the interface it exposes.
package capture

import (
	"errors"
	"time"
)

// LinkType is the data-link layer of a captured frame. Only Ethernet and
// Linux cooked capture are supported; anything else is rejected at Source
// construction time.
type LinkType int

const (
	// Ethernet is DLT_EN10MB.
	Ethernet LinkType = iota
	// LinuxCooked is DLT_LINUX_SLL.
	LinuxCooked
)

func (l LinkType) String() string {
	switch l {
	case Ethernet:
		return "Ethernet"
	case LinuxCooked:
		return "LinuxCooked"
	default:
		return "Unknown"
	}
}

// ErrUnsupportedLinkType is returned by a Source implementation's
// constructor when the underlying capture handle reports a link type
// outside {Ethernet, LinuxCooked}.
var ErrUnsupportedLinkType = errors.New("capture: unsupported link type")

// ErrNoPacket is the EAGAIN-equivalent NextPacket returns when no frame is
// currently available and the source is non-blocking.
var ErrNoPacket = errors.New("capture: no packet available")

// Packet is one captured frame as delivered by a Source.
type Packet struct {
	Timestamp    time.Time
	OriginalLen  int // length of the packet as it appeared on the wire
	CapturedLen  int // length actually captured (may be less if snaplen truncated)
	Bytes        []byte
	LinkType     LinkType
}

// Source is the capture-source collaborator the engine drains every tick.
// NextPacket must not block: it returns ErrNoPacket immediately when
// nothing is queued.
type Source interface {
	// NextPacket returns the next available frame, or ErrNoPacket if none
	// is queued. Any other error is treated as fatal: the engine's tick
	// loop exits cleanly.
	NextPacket() (Packet, error)

	// Close releases the underlying capture handle.
	Close() error
}
