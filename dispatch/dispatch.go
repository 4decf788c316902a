// Package dispatch implements the resident entry-point protocol (§4.1):
// a single serialized entry point reached from three call paths — a
// hardware IRQ, the packet-driver API, and a background idle drain — with
// an explicit reentrancy counter standing in for the original's
// private-stack nesting limit, and a FIFO of deferred work items handed
// off from ISR context to the idle drain. Grounded on the teacher's
// single cgo handle serialized by its own internal locking
// (_examples/yerden-go-snf/snf/handle.go OpenHandle/Close), generalized
// from "one C library call at a time" to "one logical entry at a time,
// tracked by depth".
package dispatch

import (
	"sync"

	"github.com/threecom/pktdrv/dverr"
)

// MaxReentrancy is the default nesting budget: one API-level call plus
// one ISR-level call may be in flight at once (§5 "private stack switch"
// re-expressed as a depth limit).
const MaxReentrancy = 2

// IRQClaimant is the minimal surface the dispatcher needs from a NIC to
// run the shared-IRQ poll loop, kept separate from nic.Descriptor to avoid
// dispatch importing nic.
type IRQClaimant interface {
	HandleHWIRQ() (claimed bool, err error)
	IsMine() bool
}

// ItemKind identifies the kind of deferred work queued for the idle
// drain (§4.1/§5).
type ItemKind int

const (
	DeliverFrame ItemKind = iota
	RecoveryStep
	HealthCheck
	PauseExpiry
)

// Item is one deferred unit of work, queued from ISR context and drained
// outside it.
type Item struct {
	Kind  ItemKind
	NicID int
	Data  interface{}
}

// IdleQueue is a bounded FIFO of deferred Items (§4.1): ISR context only
// ever pushes; the idle drain only ever pops, in bounded batches so a
// single drain call cannot itself run unbounded.
type IdleQueue struct {
	mu      sync.Mutex
	items   []Item
	cap     int
	dropped uint64
}

// NewIdleQueue constructs a queue with the given bound.
func NewIdleQueue(capacity int) *IdleQueue {
	return &IdleQueue{cap: capacity}
}

// Push enqueues an item, dropping the oldest entry and counting an
// overflow if the queue is at capacity (§7 QueueOverflow) rather than
// growing unbounded or blocking the caller (which may be running with
// interrupts masked).
func (q *IdleQueue) Push(it Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, it)
}

// DrainBatch pops up to n items for processing, FIFO order.
func (q *IdleQueue) DrainBatch(n int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]Item, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	return batch
}

// Dropped reports the cumulative overflow-drop count.
func (q *IdleQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// DefaultBatchSize is the bound the idle drain uses per pass (§4.1).
const DefaultBatchSize = 16

// VectorEntry is one installed interrupt vector: the previous handler
// (for chain preservation) and our own signature so a later uninstall can
// verify nothing else has re-hooked the vector in between (§4.1/§5 "chain
// preserving install/uninstall").
type VectorEntry struct {
	IRQ       uint8
	Signature [8]byte
	Installed bool
	prevMarker uint64 // stands in for the saved previous ISR address
}

// Signature is the fixed 8-byte marker the driver writes so uninstall can
// detect whether another TSR has since hooked the same vector.
var Signature = [8]byte{'P', 'K', 'T', ' ', 'D', 'R', 'V', 'R'}

// VectorTable tracks installed vectors across all NICs sharing interrupt
// lines (§4.1).
type VectorTable struct {
	mu      sync.Mutex
	entries map[uint8]*VectorEntry
	claimants map[uint8][]IRQClaimant
}

// NewVectorTable constructs an empty table.
func NewVectorTable() *VectorTable {
	return &VectorTable{
		entries:   make(map[uint8]*VectorEntry),
		claimants: make(map[uint8][]IRQClaimant),
	}
}

// Install hooks irq, chaining to whatever marker is passed as prev, and
// registers claimant so the shared-IRQ poll loop (below) knows to ask it
// whether it owns each interrupt.
func (vt *VectorTable) Install(irq uint8, prevMarker uint64, claimant IRQClaimant) (*VectorEntry, error) {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	e := &VectorEntry{IRQ: irq, Signature: Signature, Installed: true, prevMarker: prevMarker}
	vt.entries[irq] = e
	vt.claimants[irq] = append(vt.claimants[irq], claimant)
	return e, nil
}

// Uninstall removes our hook for irq, but refuses with a VectorStolen
// error (BusyChained once collapsed by dverr.ToAPIError, §7) if
// another entity's vector now sits on top of ours — signature mismatch
// means someone else chained after us and unhooking would break their
// chain.
func (vt *VectorTable) Uninstall(irq uint8, observedSignature [8]byte) error {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	e, ok := vt.entries[irq]
	if !ok || !e.Installed {
		return nil
	}
	if observedSignature != e.Signature {
		return dverr.New(0, dverr.VectorStolen)
	}
	e.Installed = false
	delete(vt.entries, irq)
	delete(vt.claimants, irq)
	return nil
}

// Claimants returns the ordered list of IRQClaimants sharing irq.
func (vt *VectorTable) Claimants(irq uint8) []IRQClaimant {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	out := make([]IRQClaimant, len(vt.claimants[irq]))
	copy(out, vt.claimants[irq])
	return out
}

// Dispatcher serializes every entry into the resident code (§4.1/§5): a
// mutex stands in for cli/sti, and depth tracks reentrancy so a recursive
// entry beyond MaxReentrancy is refused rather than corrupting state.
type Dispatcher struct {
	mu    sync.Mutex
	depth int
	Queue *IdleQueue
	Vectors *VectorTable
}

// NewDispatcher constructs a Dispatcher with the given idle-queue
// capacity.
func NewDispatcher(queueCapacity int) *Dispatcher {
	return &Dispatcher{
		Queue:   NewIdleQueue(queueCapacity),
		Vectors: NewVectorTable(),
	}
}

// Enter begins one logical entry (API call or ISR), returning a done
// function that must be called exactly once to leave. It refuses entry
// past MaxReentrancy with a HostBusyTimeout DriverError.
func (d *Dispatcher) Enter() (done func(), err error) {
	d.mu.Lock()
	if d.depth >= MaxReentrancy {
		d.mu.Unlock()
		return nil, dverr.New(0, dverr.HostBusyTimeout)
	}
	d.depth++
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.depth--
			d.mu.Unlock()
		})
	}, nil
}

// Depth reports the current reentrancy depth, for diagnostics/tests.
func (d *Dispatcher) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.depth
}

// ServiceIRQ runs the shared-line poll loop for irq: every registered
// claimant is asked IsMine, and every claiming NIC services its
// interrupt, in registration order (§5). It is itself one Dispatcher
// entry, so it is subject to the same reentrancy guard as an API call.
func (d *Dispatcher) ServiceIRQ(irq uint8) error {
	done, err := d.Enter()
	if err != nil {
		return err
	}
	defer done()

	for _, c := range d.Vectors.Claimants(irq) {
		if !c.IsMine() {
			continue
		}
		if _, err := c.HandleHWIRQ(); err != nil {
			d.Queue.Push(Item{Kind: RecoveryStep, Data: err})
		}
	}
	return nil
}
