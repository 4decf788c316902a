// Package flowcontrol implements 802.3x PAUSE frame handling (§4.9): a
// received PAUSE blocks further transmit descriptors for the quantum
// duration (or until an explicit zero-quanta resume), and a buffer
// watermark can trigger sending our own PAUSE when the NIC supports it.
// Grounded on the teacher's frame-inspection style in filter/l4.go
// (reading fixed header offsets out of a raw byte slice).
package flowcontrol

import (
	"encoding/binary"
	"sync"
	"time"
)

// macControlEtherType and pauseOpcode identify an 802.3x PAUSE frame.
const (
	macControlEtherType = 0x8808
	pauseOpcode         = 0x0001
)

// QuantumDuration is the wall-clock time one pause quantum represents at
// a given link speed: 512 bit-times, per 802.3 Annex 31B.
func QuantumDuration(mbit int) time.Duration {
	if mbit <= 0 {
		mbit = 10
	}
	bitsPerSec := int64(mbit) * 1_000_000
	return time.Duration(512 * int64(time.Second) / bitsPerSec)
}

// ParsePause inspects a raw Ethernet frame and returns the pause quanta
// requested, and ok=true if frame is a well-formed 802.3x PAUSE frame.
// A quanta of 0 means "resume immediately" (§4.9).
func ParsePause(frame []byte) (quanta uint16, ok bool) {
	const hdrLen = 14 // dst(6) + src(6) + ethertype(2)
	if len(frame) < hdrLen+4 {
		return 0, false
	}
	etherType := binary.BigEndian.Uint16(frame[12:14])
	if etherType != macControlEtherType {
		return 0, false
	}
	opcode := binary.BigEndian.Uint16(frame[14:16])
	if opcode != pauseOpcode {
		return 0, false
	}
	quanta = binary.BigEndian.Uint16(frame[16:18])
	return quanta, true
}

// BuildPause constructs an outbound PAUSE frame addressed to the 802.3x
// multicast address (01:80:C2:00:00:01) from src, requesting quanta
// pause quanta.
func BuildPause(src [6]byte, quanta uint16) []byte {
	frame := make([]byte, 60) // minimum Ethernet frame, zero-padded
	dst := [6]byte{0x01, 0x80, 0xC2, 0x00, 0x00, 0x01}
	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
	binary.BigEndian.PutUint16(frame[12:14], macControlEtherType)
	binary.BigEndian.PutUint16(frame[14:16], pauseOpcode)
	binary.BigEndian.PutUint16(frame[16:18], quanta)
	return frame
}

// Controller tracks the local TX-paused state for one NIC (§4.9).
type Controller struct {
	mu        sync.Mutex
	paused    bool
	resumeAt  time.Time
	linkMbit  int
	enabled   bool // whether this NIC advertises FlowControl capability
}

// New constructs a Controller for a link running at linkMbit, with PAUSE
// handling enabled only if the NIC capability includes FlowControl.
func New(linkMbit int, enabled bool) *Controller {
	return &Controller{linkMbit: linkMbit, enabled: enabled}
}

// OnReceivedPause applies a received PAUSE request's quanta to the local
// TX-blocking timer. A zero-quanta frame resumes transmission
// immediately regardless of any prior pending timer (§4.9).
func (c *Controller) OnReceivedPause(quanta uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	if quanta == 0 {
		c.paused = false
		return
	}
	c.paused = true
	c.resumeAt = time.Now().Add(QuantumDuration(c.linkMbit) * time.Duration(quanta))
}

// TxBlocked reports whether further TX descriptors must be held back,
// lazily clearing an expired pause timer (§4.9).
func (c *Controller) TxBlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return false
	}
	if time.Now().After(c.resumeAt) {
		c.paused = false
		return false
	}
	return true
}

// ShouldSendPause reports whether the buffer watermark has crossed the
// point at which this NIC should transmit its own PAUSE frame, given the
// current and high-watermark in-use buffer counts.
func ShouldSendPause(inUse, highWatermark int) bool {
	if highWatermark <= 0 {
		return false
	}
	return inUse*100 >= highWatermark*90 // 90% of observed peak
}
