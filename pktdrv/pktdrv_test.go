package pktdrv

import (
	"testing"

	"github.com/threecom/pktdrv/bufpool"
	"github.com/threecom/pktdrv/dispatch"
	"github.com/threecom/pktdrv/nic"
)

func newTestDriver(t *testing.T) (*Driver, *nic.PioDriver) {
	t.Helper()
	d := New(StartConfig{QueueCapacity: 64})
	pio := &nic.PioDriver{IOBase: 0x300, IRQ: 10}
	if err := pio.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	desc := &nic.Descriptor{
		ID:      1,
		Profile: nic.LookupDevice(nic.DeviceID{Vendor: 0x10B7, Device: 0x5900}),
		IOBase:  0x300,
		IRQ:     10,
		Ops:     pio,
		State:   nic.StateRunning,
	}
	pool := bufpool.New(bufpool.Config{NicID: 1, Copybreak: 200})
	d.AddNic(desc, pool)
	return d, pio
}

func TestAccessTypeAndSendPkt(t *testing.T) {
	d, _ := newTestDriver(t)

	h, err := d.AccessType(1, []byte{0x08, 0x00}, 8)
	if err != nil {
		t.Fatalf("AccessType: %v", err)
	}
	if err := d.SendPkt(h, []byte("payload")); err != nil {
		t.Fatalf("SendPkt: %v", err)
	}
	stats, err := d.GetStatistics(1)
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if stats.TxOK != 1 {
		t.Fatalf("expected 1 TxOK, got %d", stats.TxOK)
	}
}

func TestSendPktBadHandle(t *testing.T) {
	d, _ := newTestDriver(t)
	if err := d.SendPkt(Handle(999), []byte("x")); err == nil {
		t.Fatalf("expected an error for an unregistered handle")
	}
}

func TestReleaseTypeThenSendFails(t *testing.T) {
	d, _ := newTestDriver(t)
	h, err := d.AccessType(1, []byte{0x08, 0x00}, 8)
	if err != nil {
		t.Fatalf("AccessType: %v", err)
	}
	if err := d.ReleaseType(h); err != nil {
		t.Fatalf("ReleaseType: %v", err)
	}
	if err := d.SendPkt(h, []byte("x")); err == nil {
		t.Fatalf("expected SendPkt to fail after ReleaseType")
	}
}

// ipv4Frame is a minimal Ethernet II frame (dst+src+EtherType, no payload)
// tagged with EtherType 0x0800 (IPv4), long enough for rfilter's 14-byte
// EtherType load to land inside the frame.
var ipv4Frame = []byte{
	0, 0, 0, 0, 0, 0, // dst
	0, 0, 0, 0, 0, 0, // src
	0x08, 0x00, // EtherType: IPv4
}

func TestDrainIdleDeliversToAllHandlesSharingAType(t *testing.T) {
	d, _ := newTestDriver(t)
	h1, _ := d.AccessType(1, []byte{0x08, 0x00}, 8)
	h2, _ := d.AccessType(1, []byte{0x08, 0x00}, 8)

	reg1, _ := d.handles.get(h1)
	reg2, _ := d.handles.get(h2)

	d.dispatcher.Queue.Push(dispatch.Item{Kind: dispatch.DeliverFrame, NicID: 1, Data: ipv4Frame})
	d.DrainIdle()

	select {
	case <-reg1.recvCh:
	default:
		t.Fatalf("expected handle 1 to receive the delivered frame")
	}
	select {
	case <-reg2.recvCh:
	default:
		t.Fatalf("expected handle 2 to receive the delivered frame")
	}
}

func TestDrainIdleAppliesPerHandleTypeFilter(t *testing.T) {
	d, _ := newTestDriver(t)
	ipHandle, _ := d.AccessType(1, []byte{0x08, 0x00}, 8) // IPv4
	arpHandle, _ := d.AccessType(1, []byte{0x08, 0x06}, 8) // ARP

	ipReg, _ := d.handles.get(ipHandle)
	arpReg, _ := d.handles.get(arpHandle)

	d.dispatcher.Queue.Push(dispatch.Item{Kind: dispatch.DeliverFrame, NicID: 1, Data: ipv4Frame})
	d.DrainIdle()

	select {
	case <-ipReg.recvCh:
	default:
		t.Fatalf("expected the IPv4 handle to receive the IPv4 frame")
	}
	select {
	case <-arpReg.recvCh:
		t.Fatalf("expected the ARP handle NOT to receive an IPv4 frame")
	default:
	}
}

func TestAddNicInstallsIRQClaimantForServiceIRQ(t *testing.T) {
	d, pio := newTestDriver(t)
	h, err := d.AccessType(1, []byte{0x08, 0x00}, 8)
	if err != nil {
		t.Fatalf("AccessType: %v", err)
	}
	reg, _ := d.handles.get(h)

	pio.InjectRx(ipv4Frame)
	if err := d.dispatcher.ServiceIRQ(10); err != nil {
		t.Fatalf("ServiceIRQ: %v", err)
	}
	d.DrainIdle()

	select {
	case frame := <-reg.recvCh:
		if string(frame) != string(ipv4Frame) {
			t.Fatalf("expected the injected frame to be delivered, got %q", frame)
		}
	default:
		t.Fatalf("expected ServiceIRQ->DrainIdle to deliver the injected frame through AddNic's wiring")
	}
}

func TestSetAddressUnsupported(t *testing.T) {
	d, _ := newTestDriver(t)
	if err := d.SetAddress(1, [6]byte{}); err == nil {
		t.Fatalf("expected SetAddress to be unsupported on EtherLink III silicon")
	}
}

func TestProbeDmaCapabilityRejectsPioNic(t *testing.T) {
	d, _ := newTestDriver(t)
	if _, err := d.ProbeDmaCapability(1, true); err == nil {
		t.Fatalf("expected ProbeDmaCapability to reject a PIO-only NIC")
	}
}

func TestProbeDmaCapabilityOnDmaNic(t *testing.T) {
	d := New(StartConfig{QueueCapacity: 64})
	dma := &nic.DmaDriver{IOBase: 0x320, IRQ: 11}
	if err := dma.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	desc := &nic.Descriptor{
		ID:      2,
		Profile: nic.LookupDevice(nic.DeviceID{Vendor: 0x10B7, Device: 0x5950}),
		IOBase:  0x320,
		IRQ:     11,
		Ops:     dma,
		State:   nic.StateRunning,
	}
	pool := bufpool.New(bufpool.Config{NicID: 2})
	d.AddNic(desc, pool)

	report, err := d.ProbeDmaCapability(2, true)
	if err != nil {
		t.Fatalf("ProbeDmaCapability: %v", err)
	}
	if !report.UsableForBusMaster(false) {
		t.Fatalf("expected the software DMA model to pass its own probe, got %v", report.Confidence)
	}
}
