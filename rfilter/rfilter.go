// Package rfilter implements the receive-mode class/type/mode filter
// (§4.8/§6 set_rcv_mode, access_type) using golang.org/x/net/bpf directly:
// a tiny hand-assembled program run once per candidate handle per
// received frame. This generalizes the teacher's bpf.Filter interface
// (_examples/yerden-go-snf/filter/filter.go), which wraps an opaque
// Execute([]byte) int function, into a real instruction set the recovery
// engine and diagnostics can introspect instead of a closure.
package rfilter

import (
	"golang.org/x/net/bpf"
)

// Filter is the generalized form of the teacher's Filter interface: same
// Execute contract (non-zero return means "keep"), but backed by a real
// instruction sequence instead of an arbitrary closure.
type Filter interface {
	Execute(frame []byte) (int, error)
	Instructions() []bpf.Instruction
}

// vmFilter runs a compiled bpf.VM over each frame.
type vmFilter struct {
	vm    *bpf.VM
	insns []bpf.Instruction
}

func newVMFilter(insns []bpf.Instruction) (*vmFilter, error) {
	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, err
	}
	return &vmFilter{vm: vm, insns: insns}, nil
}

func (f *vmFilter) Execute(frame []byte) (int, error) { return f.vm.Run(frame) }
func (f *vmFilter) Instructions() []bpf.Instruction    { return f.insns }

// etherTypeOffset is the byte offset of the EtherType/length field in a
// standard (non-VLAN) Ethernet II frame.
const etherTypeOffset = 12

// ByEtherType builds a Filter that keeps only frames whose EtherType
// field equals want (e.g. 0x0800 for IPv4, 0x0806 for ARP), the
// class/type half of the §4.8 receive filter.
func ByEtherType(want uint16) (Filter, error) {
	insns := []bpf.Instruction{
		bpf.LoadAbsolute{Off: etherTypeOffset, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(want), SkipFalse: 1},
		bpf.RetConstant{Val: 1},
		bpf.RetConstant{Val: 0},
	}
	return newVMFilter(insns)
}

// KeepAll builds a Filter that accepts every frame. pktdrv.AccessType
// uses it for a handle registered without a 2-byte EtherType.
func KeepAll() (Filter, error) {
	insns := []bpf.Instruction{
		bpf.RetConstant{Val: 1},
	}
	return newVMFilter(insns)
}

// DropAll builds a Filter that rejects every frame. No receive mode is
// mapped to it; SetReceiveMode does not install filters.
func DropAll() (Filter, error) {
	insns := []bpf.Instruction{
		bpf.RetConstant{Val: 0},
	}
	return newVMFilter(insns)
}

// ByDestBroadcast builds a Filter that keeps only frames whose
// destination MAC is the broadcast address FF:FF:FF:FF:FF:FF. No receive
// mode is mapped to it; SetReceiveMode does not install filters.
func ByDestBroadcast() (Filter, error) {
	insns := []bpf.Instruction{
		bpf.LoadAbsolute{Off: 0, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0xFFFFFFFF, SkipFalse: 3},
		bpf.LoadAbsolute{Off: 4, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0xFFFF, SkipFalse: 1},
		bpf.RetConstant{Val: 1},
		bpf.RetConstant{Val: 0},
	}
	return newVMFilter(insns)
}

// FilterFunc adapts a plain function to Filter for tests and simple
// callers, mirroring the teacher's FilterFunc convenience type. It has no
// Instructions to introspect.
type FilterFunc func([]byte) (int, error)

func (f FilterFunc) Execute(frame []byte) (int, error)  { return f(frame) }
func (f FilterFunc) Instructions() []bpf.Instruction    { return nil }
