// Package pktdrv is the resident packet-driver core (§1-§9): it wires a
// Dispatcher, a per-NIC OperationTable, buffer pools, the recovery
// engine, the DMA capability probe, flow control, and the receive-mode
// filter into the Packet Driver API surface (§6), the way the teacher's
// snf package wires a Handle, Rings, and a Receiver into a single
// capture API (_examples/yerden-go-snf/snf/snf.go).
package pktdrv

import (
	"sync"
	"time"

	"github.com/threecom/pktdrv/bufpool"
	"github.com/threecom/pktdrv/dispatch"
	"github.com/threecom/pktdrv/dverr"
	"github.com/threecom/pktdrv/flowcontrol"
	"github.com/threecom/pktdrv/nic"
	"github.com/threecom/pktdrv/probe"
	"github.com/threecom/pktdrv/recovery"
	"github.com/threecom/pktdrv/rfilter"
)

// FunctionCode enumerates the Packet Driver API function codes (§6).
type FunctionCode int

const (
	FuncDriverInfo     FunctionCode = 0x01
	FuncAccessType     FunctionCode = 0x02
	FuncReleaseType    FunctionCode = 0x03
	FuncSendPkt        FunctionCode = 0x04
	FuncTerminate      FunctionCode = 0x05
	FuncGetAddress     FunctionCode = 0x06
	FuncResetInterface FunctionCode = 0x07
	FuncSetRcvMode     FunctionCode = 0x14
	FuncGetRcvMode     FunctionCode = 0x15
	FuncGetStatistics  FunctionCode = 0x18
	FuncSetAddress     FunctionCode = 0x19
)

// NicBudget bounds one NIC's configuration, consumed from StartConfig
// (§6 configuration surface).
type NicBudget struct {
	IOBase        uint16
	IRQ           uint8
	Autodetect    bool
	BusMaster     BusMasterMode
	PoolByteLimit int
	Copybreak     int
}

// BusMasterMode is the on/off/auto toggle for DMA-capable NICs (§6).
type BusMasterMode int

const (
	BusMasterAuto BusMasterMode = iota
	BusMasterOn
	BusMasterOff
)

// StartConfig is the external configuration surface (§6): parsing flags
// or files into this struct is explicitly out of scope for the core
// (§1/§13) and is left to callers.
type StartConfig struct {
	Nics          []NicBudget
	DefaultMode   nic.ReceiveMode
	QueueCapacity int
	Telemetry     TelemetrySink
}

// TelemetrySink is the external collaborator the core reports events and
// counters to; it never formats or prints anything itself (§1 non-goal:
// diagnostics/logging formatting is external).
type TelemetrySink interface {
	Event(nicID int, kind dverr.Kind, severity dverr.Severity)
	Counter(name string, delta int64)
}

// discardSink is used when StartConfig.Telemetry is nil.
type discardSink struct{}

func (discardSink) Event(int, dverr.Kind, dverr.Severity) {}
func (discardSink) Counter(string, int64)                 {}

// Handle is an opaque per-registration selector returned by AccessType
// (§6): it isolates one caller's receive filter/type from every other
// registered caller on the same NIC.
type Handle int

type registration struct {
	nicID   int
	typeLen int
	typeVal []byte
	recvCh  chan []byte
	filter  rfilter.Filter
}

// HandleTable allocates and isolates Handles in registration order (§4.1
// "registration-order delivery").
type HandleTable struct {
	mu    sync.Mutex
	next  Handle
	byID  map[Handle]*registration
	order []Handle
}

func newHandleTable() *HandleTable {
	return &HandleTable{byID: make(map[Handle]*registration)}
}

func (t *HandleTable) allocate(r *registration) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	h := t.next
	t.byID[h] = r
	t.order = append(t.order, h)
	return h
}

func (t *HandleTable) release(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[h]; !ok {
		return dverr.ErrBadHandle
	}
	delete(t.byID, h)
	for i, o := range t.order {
		if o == h {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

func (t *HandleTable) get(h Handle) (*registration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byID[h]
	return r, ok
}

// inOrder returns registrations for nicID in registration order.
func (t *HandleTable) inOrder(nicID int) []*registration {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*registration
	for _, h := range t.order {
		r := t.byID[h]
		if r.nicID == nicID {
			out = append(out, r)
		}
	}
	return out
}

// Driver is the top-level object wiring every NIC plus the shared
// dispatcher, handle table, and telemetry sink (§3/§6).
type Driver struct {
	mu         sync.Mutex
	nics       []*nic.Descriptor
	pools      map[int]*bufpool.Pool
	recovEng   map[int]*recovery.Engine
	pauseCtl   map[int]*flowcontrol.Controller
	dispatcher *dispatch.Dispatcher
	handles    *HandleTable
	telemetry  TelemetrySink
	mode       nic.ReceiveMode
}

// New constructs a Driver from cfg but does not open any NIC; call Start
// to bring each configured NIC up (§6).
func New(cfg StartConfig) *Driver {
	sink := cfg.Telemetry
	if sink == nil {
		sink = discardSink{}
	}
	qc := cfg.QueueCapacity
	if qc <= 0 {
		qc = 256
	}
	return &Driver{
		pools:      make(map[int]*bufpool.Pool),
		recovEng:   make(map[int]*recovery.Engine),
		pauseCtl:   make(map[int]*flowcontrol.Controller),
		dispatcher: dispatch.NewDispatcher(qc),
		handles:    newHandleTable(),
		telemetry:  sink,
		mode:       cfg.DefaultMode,
	}
}

// AddNic registers an already-constructed descriptor (built by the
// caller from device-database lookup + PioDriver/DmaDriver), wires its
// pool, recovery engine, and pause controller, and installs it as an IRQ
// claimant on its interrupt line so ServiceIRQ's shared-line poll
// actually reaches it (§4.1/§5).
func (d *Driver) AddNic(desc *nic.Descriptor, pool *bufpool.Pool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	desc.Pool = pool
	d.nics = append(d.nics, desc)
	d.pools[desc.ID] = pool
	d.recovEng[desc.ID] = recovery.New(desc, recovery.DefaultThresholds)
	linkMbit := 10
	if desc.Profile.Capabilities.Has(nic.Mbit100) {
		linkMbit = 100
	}
	d.pauseCtl[desc.ID] = flowcontrol.New(linkMbit, desc.Profile.Capabilities.Has(nic.FlowControl))
	d.dispatcher.Vectors.Install(desc.IRQ, 0, desc)

	onFrame := func(buf *bufpool.Buffer) {
		frame := append([]byte(nil), buf.Data...)
		pool.Free(buf)
		d.dispatcher.Queue.Push(dispatch.Item{Kind: dispatch.DeliverFrame, NicID: desc.ID, Data: frame})
	}
	switch ops := desc.Ops.(type) {
	case *nic.PioDriver:
		ops.Pool = pool
		ops.OnFrame = onFrame
	case *nic.DmaDriver:
		ops.Pool = pool
		ops.OnFrame = onFrame
	}
}

// ProbeDmaCapability runs the one-shot DMA capability probe (§4.7)
// against a bus-master NIC before it is trusted with real traffic. It is
// a no-op (ErrBadType) for a NIC whose OperationTable does not implement
// probe.DmaTestTarget, i.e. a PioDriver. When the probe does not clear
// the bar, the NIC is marked Degraded and nothing else changes: its
// operation table stays the DmaDriver, and SendPkt and the idle drain
// keep using it, since neither checks for StateDegraded.
func (d *Driver) ProbeDmaCapability(nicID int, quick bool) (probe.Report, error) {
	n, err := d.findNic(nicID)
	if err != nil {
		return probe.Report{}, err
	}
	target, ok := n.Ops.(probe.DmaTestTarget)
	if !ok {
		return probe.Report{}, dverr.ErrBadType
	}
	report := probe.Run(nicID, target, quick)
	if !report.UsableForBusMaster(n.BusMasterOptIn) {
		n.MarkDegraded()
	}
	return report, nil
}

func (d *Driver) findNic(id int) (*nic.Descriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range d.nics {
		if n.ID == id {
			return n, nil
		}
	}
	return nil, dverr.ErrBadHandle
}

// DriverInfo implements function 0x01 (§6): a simple static identity
// report, one field per NIC's device profile.
type DriverInfo struct {
	NicID   int
	Name    string
	Version int
}

func (d *Driver) DriverInfo(nicID int) (DriverInfo, error) {
	n, err := d.findNic(nicID)
	if err != nil {
		return DriverInfo{}, err
	}
	return DriverInfo{NicID: n.ID, Name: n.Profile.Name, Version: 1}, nil
}

// AccessType implements function 0x02 (§6): registers a new receive
// handle filtered by an EtherType (typeVal), isolated from every other
// handle on the same NIC. A 2-byte typeVal is compiled into a BPF
// EtherType filter (§4.8); any other length (including none) keeps every
// frame, matching §3's "optionally a class/type filter".
func (d *Driver) AccessType(nicID int, typeVal []byte, bufDepth int) (Handle, error) {
	if _, err := d.findNic(nicID); err != nil {
		return 0, err
	}
	filter, err := typeFilter(typeVal)
	if err != nil {
		return 0, dverr.ErrBadType
	}
	r := &registration{
		nicID:   nicID,
		typeLen: len(typeVal),
		typeVal: append([]byte(nil), typeVal...),
		recvCh:  make(chan []byte, bufDepth),
		filter:  filter,
	}
	return d.handles.allocate(r), nil
}

// typeFilter compiles typeVal into the §4.8 class/type filter: a 2-byte
// value is treated as an EtherType to match exactly, anything else keeps
// every frame.
func typeFilter(typeVal []byte) (rfilter.Filter, error) {
	if len(typeVal) == 2 {
		want := uint16(typeVal[0])<<8 | uint16(typeVal[1])
		return rfilter.ByEtherType(want)
	}
	return rfilter.KeepAll()
}

// ReleaseType implements function 0x03 (§6).
func (d *Driver) ReleaseType(h Handle) error {
	return d.handles.release(h)
}

// SendPkt implements function 0x04 (§6): posts frame on the NIC the
// handle was registered against.
func (d *Driver) SendPkt(h Handle, frame []byte) error {
	reg, ok := d.handles.get(h)
	if !ok {
		return dverr.ErrBadHandle
	}
	n, err := d.findNic(reg.nicID)
	if err != nil {
		return err
	}
	if n.State == nic.StateDisabled {
		return dverr.ErrNicDisabled
	}
	if d.pauseCtl[n.ID].TxBlocked() {
		return dverr.ErrBusy
	}
	if n.Ops == nil {
		return dverr.ErrCantSend
	}
	if err := n.Ops.Send(frame); err != nil {
		d.onFault(n.ID, err)
		return dverr.ErrCantSend
	}
	return nil
}

// Terminate implements function 0x05.
func (d *Driver) Terminate(h Handle) error {
	return d.handles.release(h)
}

// GetAddress implements function 0x06: returns a placeholder station
// address; a production build reads this from EEPROM via ReadEEPROM.
func (d *Driver) GetAddress(nicID int) ([6]byte, error) {
	if _, err := d.findNic(nicID); err != nil {
		return [6]byte{}, err
	}
	return [6]byte{}, nil
}

// ResetInterface implements function 0x07 (§6).
func (d *Driver) ResetInterface(nicID int) error {
	n, err := d.findNic(nicID)
	if err != nil {
		return err
	}
	if n.Ops == nil {
		return dverr.ErrCantReset
	}
	if err := n.Ops.Reset(); err != nil {
		return dverr.ErrCantReset
	}
	return nil
}

// SetReceiveMode implements function 0x14 (§6).
func (d *Driver) SetReceiveMode(nicID int, mode nic.ReceiveMode) error {
	n, err := d.findNic(nicID)
	if err != nil {
		return err
	}
	if n.Ops == nil {
		return dverr.ErrCantSet
	}
	if err := n.Ops.SetReceiveFilter(mode); err != nil {
		return dverr.ErrCantSet
	}
	d.mu.Lock()
	d.mode = mode
	d.mu.Unlock()
	return nil
}

// GetReceiveMode implements function 0x15.
func (d *Driver) GetReceiveMode(nicID int) (nic.ReceiveMode, error) {
	if _, err := d.findNic(nicID); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode, nil
}

// GetStatistics implements function 0x18.
func (d *Driver) GetStatistics(nicID int) (nic.Stats, error) {
	n, err := d.findNic(nicID)
	if err != nil {
		return nic.Stats{}, err
	}
	if n.Ops == nil {
		return nic.Stats{}, nil
	}
	return n.Ops.GetStats(), nil
}

// SetAddress implements function 0x19: not supported on EtherLink III
// silicon (station address is burned into EEPROM), matching §6's note
// that this function returns BadType on hardware that cannot reprogram
// its address.
func (d *Driver) SetAddress(nicID int, addr [6]byte) error {
	if _, err := d.findNic(nicID); err != nil {
		return err
	}
	return dverr.ErrBadType
}

// onFault feeds an observed fault into the recovery engine via the idle
// queue rather than acting synchronously inside the caller's stack
// (§4.6: recovery decisions are made by the idle drain, not inline).
func (d *Driver) onFault(nicID int, err error) {
	de, ok := err.(*dverr.DriverError)
	kind := dverr.AdapterHang
	if ok {
		kind = de.Kind
	}
	d.telemetry.Event(nicID, kind, dverr.DefaultSeverity(kind))
	d.dispatcher.Queue.Push(dispatch.Item{Kind: dispatch.RecoveryStep, NicID: nicID, Data: kind})
}

// DrainIdle processes up to DefaultBatchSize deferred items: recovery
// steps feed the per-NIC Engine, frame deliveries fan out to every
// registered handle on the NIC whose type filter accepts the frame (§3,
// §4.8 — "optionally a class/type filter; multiple handles may match"),
// in registration order, and pause-expiry items are no-ops (the
// Controller already self-clears lazily). This is the only place
// recovery actions and multi-handle delivery happen, never from ISR
// context (§4.1/§4.6).
func (d *Driver) DrainIdle() {
	batch := d.dispatcher.Queue.DrainBatch(dispatch.DefaultBatchSize)
	for _, it := range batch {
		switch it.Kind {
		case dispatch.RecoveryStep:
			kind, _ := it.Data.(dverr.Kind)
			if eng, ok := d.recovEng[it.NicID]; ok {
				_ = eng.Escalate(kind)
			}
		case dispatch.DeliverFrame:
			frame, _ := it.Data.([]byte)
			for _, reg := range d.handles.inOrder(it.NicID) {
				if reg.filter != nil {
					if n, err := reg.filter.Execute(frame); err != nil || n == 0 {
						continue
					}
				}
				select {
				case reg.recvCh <- frame:
				default:
					d.telemetry.Counter("handle_overflow_drop", 1)
				}
			}
		case dispatch.HealthCheck, dispatch.PauseExpiry:
			// Self-clearing states; nothing to do beyond the drain itself.
		}
	}
}

// pollOnce drives a single background tick: ISR simulation (ServiceIRQ)
// for every NIC's IRQ line followed by one idle drain pass. Run calls
// this once per tick to emulate the original's timer-tick idle hook.
func (d *Driver) pollOnce() {
	d.mu.Lock()
	irqs := make(map[uint8]bool)
	for _, n := range d.nics {
		irqs[n.IRQ] = true
	}
	d.mu.Unlock()
	for irq := range irqs {
		_ = d.dispatcher.ServiceIRQ(irq)
	}
	d.DrainIdle()
}

// Run starts a background poll loop at interval, returning a stop
// function. This is the software-model replacement for the original's
// timer-tick idle callback.
func (d *Driver) Run(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				d.pollOnce()
			}
		}
	}()
	return func() { close(done) }
}
