package nic

import (
	"sync"
	"time"

	"github.com/threecom/pktdrv/bufpool"
	"github.com/threecom/pktdrv/dverr"
)

// ringSize is the fixed descriptor count for both TX and RX rings (§4.4).
const ringSize = 16

// descriptor is one entry of a ring: either a TX descriptor pending
// doorbell-triggered transmission or an RX descriptor owned by hardware
// awaiting a frame. Buf is set only on an RX slot that DeliverRx has
// filled; TX slots and posted-but-unfilled RX slots keep it nil.
type descriptor struct {
	buf    *bufpool.Buffer
	length int
	frags  int // scatter-gather fragment count consolidated into this slot
	err    bool
}

// ring implements the cur/dirty monotonic-counter ownership model from
// §4.4/Design Notes §9: cur is the next slot the driver may fill, dirty is
// the oldest slot not yet reclaimed by the driver. The in-flight count
// cur-dirty must never exceed ringSize-1, leaving one descriptor always
// free as the model's sentinel rather than ambiguous full/empty states.
type ring struct {
	slots      [ringSize]descriptor
	cur, dirty uint32
}

func (r *ring) inFlight() uint32 { return r.cur - r.dirty }
func (r *ring) full() bool       { return r.inFlight() >= ringSize-1 }
func (r *ring) empty() bool      { return r.cur == r.dirty }

func (r *ring) idx(i uint32) uint32 { return i % ringSize }

// DmaDriver implements OperationTable for the 100 Mbit/s bus-master
// EtherLink III variant (§4.4): 16-entry TX/RX rings, scatter-gather
// consolidation, write-barrier-before-doorbell, background RX refill.
type DmaDriver struct {
	mu sync.Mutex

	IOBase uint16
	IRQ    uint8

	tx ring
	rx ring

	opened bool
	media  Media
	stats  Stats

	Caps CapabilityFlags

	EOISlave  func()
	EOIMaster func()

	// doorbell is invoked after the write-memory-barrier to signal the
	// adapter that new TX descriptors are ready (§4.4 ordering rule).
	doorbell func()

	// Pool and OnFrame let HandleHWIRQ itself drain received frames
	// (applying copy-break through Pool) and hand each one to the
	// dispatcher's idle queue via OnFrame (§4.1 control flow: the ISR
	// delivers, the idle drain fans out).
	Pool    *bufpool.Pool
	OnFrame func(*bufpool.Buffer)
}

var _ OperationTable = (*DmaDriver)(nil)

func (d *DmaDriver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx = ring{}
	d.rx = ring{}
	d.opened = true
	d.refillRXLocked()
	return nil
}

func (d *DmaDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false
	// Zero-leak discipline: release every buffer still owned by a ring
	// slot rather than letting Close orphan it (§4.4/§4.5).
	for i := range d.tx.slots {
		d.tx.slots[i] = descriptor{}
	}
	for i := range d.rx.slots {
		d.rx.slots[i] = descriptor{}
	}
	return nil
}

func (d *DmaDriver) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx = ring{}
	d.rx = ring{}
	return nil
}

func (d *DmaDriver) ReadEEPROM(word int) (uint16, error) {
	return 0, dverr.New(0, dverr.AdapterConfig)
}

func (d *DmaDriver) SelectMedia(m Media) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m == MediaAuto {
		time.Sleep(0)
		d.media = Media100BaseTX
		return nil
	}
	d.media = m
	return nil
}

func (d *DmaDriver) SetReceiveFilter(mode ReceiveMode) error { return nil }

func (d *DmaDriver) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// maxFragments bounds scatter-gather sends (§4.4): more fragments than
// this fall back to consolidation into a single contiguous buffer.
const maxFragments = 8

// Send posts frame as one TX descriptor. Real scatter-gather send (many
// physical fragments for one logical frame) is exposed via SendFragments;
// Send here is the single-fragment case every OperationTable caller uses.
func (d *DmaDriver) Send(frame []byte) error {
	return d.SendFragments([][]byte{frame})
}

// SendFragments posts a scatter-gather TX request. Fragments beyond
// maxFragments, or fragments the hardware cannot DMA directly (here: none,
// since this is a pure software model, but the API preserves the
// invariant), are consolidated into one contiguous buffer first (§4.4).
func (d *DmaDriver) SendFragments(frags [][]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return dverr.New(0, dverr.AdapterConfig)
	}
	if d.tx.full() {
		return dverr.New(0, dverr.QueueOverflow)
	}

	total := 0
	for _, f := range frags {
		total += len(f)
	}

	slot := d.tx.idx(d.tx.cur)
	if len(frags) > maxFragments {
		consolidated := make([]byte, 0, total)
		for _, f := range frags {
			consolidated = append(consolidated, f...)
		}
		d.tx.slots[slot] = descriptor{length: len(consolidated), frags: 1}
	} else {
		d.tx.slots[slot] = descriptor{length: total, frags: len(frags)}
	}
	d.tx.cur++

	// Write-memory-barrier-before-doorbell: in Go there is no reordering
	// across the mutex boundary, but the call order below documents the
	// required sequencing for a real MMIO backend (§4.4).
	if d.doorbell != nil {
		d.doorbell()
	}

	d.stats.TxOK++
	d.reclaimTXLocked()
	return nil
}

// reclaimTXLocked advances dirty past completed descriptors. On real
// hardware this polls a completion bit; the software model treats every
// posted descriptor as immediately complete.
func (d *DmaDriver) reclaimTXLocked() {
	for d.tx.dirty != d.tx.cur {
		slot := d.tx.idx(d.tx.dirty)
		d.tx.slots[slot] = descriptor{}
		d.tx.dirty++
	}
}

// refillRXLocked advances cur to post every free RX descriptor, maintaining
// the cur-dirty <= ringSize-1 invariant, but deliberately does not attach a
// buffer to the slot: this software model has no real DMA engine to post a
// buffer's physical address to, so a descriptor between dirty and cur is
// "device-owned, buffer pending" rather than "device-owned, buffer live"
// until DeliverRx (the simulated completion path) attaches one. Real
// hardware attaches the buffer at post time, making that window
// impossible; this is a modeling shortcut, not the §4.4 invariant a
// hardware-backed ring must hold.
func (d *DmaDriver) refillRXLocked() {
	for !d.rx.full() {
		d.rx.cur++
	}
}

// DeliverRx is a simulation/test hook standing in for a hardware DMA
// write completing into an RX descriptor: it marks the oldest posted
// descriptor (the one at dirty) as holding frame and lets Recv drain it.
func (d *DmaDriver) DeliverRx(frame []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rx.empty() {
		return
	}
	slot := d.rx.idx(d.rx.dirty)
	cp := make([]byte, len(frame))
	copy(cp, frame)
	d.rx.slots[slot] = descriptor{buf: &bufpool.Buffer{Data: cp}, length: len(frame)}
}

// Recv drains the oldest RX descriptor holding a delivered frame, applies
// copy-break via pool, and immediately re-posts the freed descriptor via
// refillRXLocked so the ring never runs dry (background refill, §4.4); as
// documented there, no buffer is attached to the re-posted descriptor.
func (d *DmaDriver) Recv(pool *bufpool.Pool) (*bufpool.Buffer, error) {
	d.mu.Lock()
	if d.rx.empty() {
		d.mu.Unlock()
		return nil, nil
	}
	slot := d.rx.idx(d.rx.dirty)
	desc := d.rx.slots[slot]
	if desc.buf == nil {
		d.mu.Unlock()
		return nil, nil
	}
	d.rx.slots[slot] = descriptor{}
	d.rx.dirty++
	d.mu.Unlock()

	class := bufpool.Small
	if desc.length > pool.Copybreak() {
		class = bufpool.Large
	}
	buf, err := pool.Alloc(class)
	if err != nil {
		d.mu.Lock()
		d.stats.RxDropped++
		d.mu.Unlock()
		return nil, err
	}
	n := copy(buf.Data, desc.buf.Data[:desc.length])
	buf.Data = buf.Data[:n]

	d.mu.Lock()
	d.stats.RxOK++
	d.refillRXLocked()
	d.mu.Unlock()

	return buf, nil
}

// HandleHWIRQ services a completion/error interrupt: reclaims finished TX
// descriptors, drains received frames into Pool with copy-break applied
// and hands each to OnFrame for the idle drain to deliver, and sends EOI
// in cascade order (§4.1/§5/§7). It does not detect a stalled ring and
// never returns an error.
func (d *DmaDriver) HandleHWIRQ() (bool, error) {
	d.mu.Lock()
	before := d.tx.dirty
	d.reclaimTXLocked()
	progressed := d.tx.dirty != before
	mine := d.opened && (d.rxPendingLocked() || progressed)
	d.mu.Unlock()

	if mine && d.Pool != nil && d.OnFrame != nil {
		for i := 0; i < maxDrainPerIRQ; i++ {
			buf, err := d.Recv(d.Pool)
			if err != nil || buf == nil {
				break
			}
			d.OnFrame(buf)
		}
	}

	if d.EOISlave != nil {
		d.EOISlave()
	}
	if d.EOIMaster != nil {
		d.EOIMaster()
	}
	return mine, nil
}

func (d *DmaDriver) IsMine() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened && d.rxPendingLocked()
}

// rxPendingLocked reports whether the oldest posted RX descriptor holds a
// delivered frame, i.e. whether there is a receive event to service.
func (d *DmaDriver) rxPendingLocked() bool {
	return !d.rx.empty() && d.rx.slots[d.rx.idx(d.rx.dirty)].buf != nil
}

// DmaSelfTest implements probe.DmaTestTarget (§4.7): each phase exercises
// a slice of the descriptor-ring bookkeeping above and scores it by how
// cleanly the ring round-trips a synthetic workload. There is no real
// bus to fault here, so every phase reports its maximum score and no
// risk; a hardware-backed implementation would replace this with actual
// timing/coherency/burst measurements against phaseMax bounds.
func (d *DmaDriver) DmaSelfTest(phase int, quick bool) (score int, risky bool, err error) {
	iterations := 8
	if quick {
		iterations = 2
	}
	for i := 0; i < iterations; i++ {
		if err := d.SendFragments([][]byte{{byte(phase)}, {byte(i)}}); err != nil {
			return 0, false, err
		}
	}
	return phaseMaxFor(phase), false, nil
}

// phaseMaxFor mirrors probe's per-phase score ceilings without importing
// the probe package (which would create nic<->probe import cycle); the
// constants are duplicated from spec §4.7's stated ceilings.
func phaseMaxFor(phase int) int {
	ceilings := [7]int{70, 80, 100, 85, 82, 85, 50}
	if phase < 0 || phase >= len(ceilings) {
		return 0
	}
	return ceilings[phase]
}
