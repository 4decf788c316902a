package nic

import (
	"time"

	"github.com/threecom/pktdrv/bufpool"
	"github.com/threecom/pktdrv/dverr"
)

// maxDrainPerIRQ bounds how many frames a single HandleHWIRQ call will
// pull off a NIC's receive path, shared by PioDriver and DmaDriver, so one
// interrupt can never spend unbounded time inside ISR context (§5).
const maxDrainPerIRQ = 16

// Stats is the per-NIC counter set exposed through get_statistics (§6).
type Stats struct {
	TxOK       uint64
	TxErrors   uint64
	RxOK       uint64
	RxErrors   uint64
	RxDropped  uint64
	Collisions uint64
}

// OperationTable is the per-variant operation surface (§4.1). Every
// implementation (PioDriver, DmaDriver) must make every method total: no
// method may block indefinitely, and every blocking wait carries an
// explicit bound enforced internally.
type OperationTable interface {
	Open() error
	Close() error
	Reset() error

	// Send enqueues frame for transmission. It does not block for
	// completion; completion is observed via interrupt/idle-queue
	// delivery or GetStats.
	Send(frame []byte) error

	// Recv drains one received frame if available, applying copy-break
	// via the supplied pool. It returns (nil, nil) if nothing is ready.
	Recv(pool *bufpool.Pool) (*bufpool.Buffer, error)

	ReadEEPROM(word int) (uint16, error)
	SelectMedia(m Media) error

	SetReceiveFilter(mode ReceiveMode) error
	GetStats() Stats

	// HandleHWIRQ services one hardware interrupt, sending EOI in cascade
	// order itself. It returns whether this NIC actually asserted the
	// shared line (for cascade sharing) and any servicing error.
	HandleHWIRQ() (claimed bool, err error)

	// IsMine reports whether this NIC's IRQ status register shows a
	// pending event, used for shared-IRQ polling without servicing.
	IsMine() bool
}

// ReceiveMode mirrors the Packet Driver API's receive-mode values (§6).
type ReceiveMode int

const (
	ModeOff ReceiveMode = iota
	ModeDirect
	ModeBroadcast
	ModeMulticast
	ModeAllMulticast
	ModePromiscuous
)

// DeviceID identifies a NIC model by PCI/EISA-style (vendor, device,
// revision) triple, the key into the device database (§4.2).
type DeviceID struct {
	Vendor   uint16
	Device   uint16
	Revision uint8
}

// DeviceProfile is the static per-model data the device database returns:
// default media, capability mask, connector types, and quirk flags that
// adjust timing/behavior for a specific silicon revision.
type DeviceProfile struct {
	Name          string
	DefaultMedia  Media
	Capabilities  CapabilityFlags
	Connectors    MediaSet
	QuirkNoMII    bool
	QuirkSlowEEPROM bool
}

var deviceDB = map[DeviceID]DeviceProfile{
	{Vendor: 0x10B7, Device: 0x5900, Revision: 0x00}: {
		Name:         "3C590 EtherLink III PCI",
		DefaultMedia: Media10BaseT,
		Capabilities: DirectPIO | FullDuplex,
		Connectors:   1<<Media10BaseT | 1<<Media10Base2 | 1<<Media10Base5,
	},
	{Vendor: 0x10B7, Device: 0x5950, Revision: 0x00}: {
		Name:         "3C595 Fast EtherLink III 10/100",
		DefaultMedia: MediaAuto,
		Capabilities: BusMaster | Mii | ScatterGather | FullDuplex | FlowControl | Mbit100,
		Connectors:   1<<Media10BaseT | 1<<Media100BaseTX | 1<<MediaMII | 1<<MediaAuto,
	},
	{Vendor: 0x10B7, Device: 0x5951, Revision: 0x01}: {
		Name:            "3C595 Fast EtherLink III 10/100 (rev B)",
		DefaultMedia:     MediaAuto,
		Capabilities:     BusMaster | Mii | ScatterGather | HwChecksum | FullDuplex | FlowControl | Mbit100,
		Connectors:       1<<Media10BaseT | 1<<Media100BaseTX | 1<<MediaMII | 1<<MediaAuto,
		QuirkSlowEEPROM:  true,
	},
}

// LookupDevice returns the static profile for id, or a conservative
// all-PIO default if the id is unknown (§4.2 "unrecognized silicon
// revision defaults to the safest mode").
func LookupDevice(id DeviceID) DeviceProfile {
	if p, ok := deviceDB[id]; ok {
		return p
	}
	return DeviceProfile{
		Name:         "unknown 3Com EtherLink III variant",
		DefaultMedia: Media10BaseT,
		Capabilities: DirectPIO,
		Connectors:   1 << Media10BaseT,
	}
}

// State is the NIC's runtime lifecycle state (§4.1).
type State int

const (
	StateUninitialized State = iota
	StateOpen
	StateRunning
	StateDegraded
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateOpen:
		return "Open"
	case StateRunning:
		return "Running"
	case StateDegraded:
		return "Degraded"
	case StateDisabled:
		return "Disabled"
	default:
		return "Unknown"
	}
}

// Descriptor is the identity and runtime state record for one installed
// NIC (§3): the device database entry, the current OperationTable
// implementation, and a reference to its buffer pool.
type Descriptor struct {
	ID       int
	Device   DeviceID
	Profile  DeviceProfile
	IOBase   uint16
	IRQ      uint8
	Ops      OperationTable
	Pool     *bufpool.Pool
	State    State
	Media    Media
	OpenedAt time.Time

	// BusMasterOptIn records whether the user explicitly requested
	// bus-master mode (§6 BusMasterOn), the gate a Low-confidence DMA
	// probe result needs to be trusted (§4.7).
	BusMasterOptIn bool
}

// Name satisfies recovery.Recoverable's identity requirement without
// importing that package.
func (d *Descriptor) Name() string { return d.Profile.Name }

// HandleHWIRQ forwards to the active operation table, translating a nil
// Descriptor.Ops (not yet opened) into a benign "not mine".
func (d *Descriptor) HandleHWIRQ() (bool, error) {
	if d.Ops == nil {
		return false, nil
	}
	return d.Ops.HandleHWIRQ()
}

// IsMine forwards to the active operation table.
func (d *Descriptor) IsMine() bool {
	if d.Ops == nil {
		return false
	}
	return d.Ops.IsMine()
}

// MarkDegraded transitions the descriptor to Degraded, the state the
// recovery engine (§4.6) puts a NIC in on a Hard recovery.
func (d *Descriptor) MarkDegraded() { d.State = StateDegraded }

// MarkDisabled transitions the descriptor to Disabled, the terminal state
// after recovery exhausts its attempts (§4.6).
func (d *Descriptor) MarkDisabled() { d.State = StateDisabled }

// Reinitialize tears down and reopens the operation table in place,
// counted as a Reinitialize-tier recovery action (§4.6).
func (d *Descriptor) Reinitialize() error {
	if d.Ops == nil {
		return dverr.New(d.ID, dverr.AdapterConfig)
	}
	if err := d.Ops.Close(); err != nil {
		return dverr.Wrap(d.ID, dverr.AdapterHang, err)
	}
	if err := d.Ops.Reset(); err != nil {
		return dverr.Wrap(d.ID, dverr.AdapterHang, err)
	}
	if err := d.Ops.Open(); err != nil {
		return dverr.Wrap(d.ID, dverr.AdapterConfig, err)
	}
	d.State = StateRunning
	return nil
}
