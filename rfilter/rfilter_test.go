package rfilter

import "testing"

func ethFrame(etherType uint16) []byte {
	f := make([]byte, 60)
	f[12] = byte(etherType >> 8)
	f[13] = byte(etherType)
	return f
}

func TestByEtherTypeKeepsMatch(t *testing.T) {
	f, err := ByEtherType(0x0800)
	if err != nil {
		t.Fatalf("ByEtherType: %v", err)
	}
	n, err := f.Execute(ethFrame(0x0800))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected a matching EtherType to be kept")
	}
}

func TestByEtherTypeDropsMismatch(t *testing.T) {
	f, err := ByEtherType(0x0800)
	if err != nil {
		t.Fatalf("ByEtherType: %v", err)
	}
	n, err := f.Execute(ethFrame(0x0806))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected a mismatching EtherType to be dropped")
	}
}

func TestKeepAllAndDropAll(t *testing.T) {
	keep, err := KeepAll()
	if err != nil {
		t.Fatalf("KeepAll: %v", err)
	}
	drop, err := DropAll()
	if err != nil {
		t.Fatalf("DropAll: %v", err)
	}

	frame := ethFrame(0x1234)
	n, _ := keep.Execute(frame)
	if n == 0 {
		t.Fatalf("expected KeepAll to keep every frame")
	}
	n, _ = drop.Execute(frame)
	if n != 0 {
		t.Fatalf("expected DropAll to drop every frame")
	}
}

func TestByDestBroadcast(t *testing.T) {
	f, err := ByDestBroadcast()
	if err != nil {
		t.Fatalf("ByDestBroadcast: %v", err)
	}
	bcast := make([]byte, 60)
	for i := 0; i < 6; i++ {
		bcast[i] = 0xFF
	}
	n, err := f.Execute(bcast)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected a broadcast destination to be kept")
	}

	unicast := make([]byte, 60)
	unicast[0] = 0x00
	n, err = f.Execute(unicast)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected a unicast destination to be dropped")
	}
}
