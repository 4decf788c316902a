package xsum

import "testing"

func buildIPv4(t *testing.T) []byte {
	t.Helper()
	// A minimal 20-byte IPv4 header with no options: version/IHL, TOS,
	// total length, id, flags/frag, ttl, protocol, checksum (zeroed),
	// src, dst.
	h := []byte{
		0x45, 0x00, 0x00, 0x14,
		0x00, 0x00, 0x00, 0x00,
		0x40, 0x11, 0x00, 0x00,
		0x0a, 0x00, 0x00, 0x01,
		0x0a, 0x00, 0x00, 0x02,
	}
	return h
}

func TestComputeIPv4ProducesValidChecksum(t *testing.T) {
	frame := buildIPv4(t)
	fixed, err := ComputeIPv4(frame)
	if err != nil {
		t.Fatalf("ComputeIPv4: %v", err)
	}
	valid, err := VerifyIPv4(fixed)
	if err != nil {
		t.Fatalf("VerifyIPv4: %v", err)
	}
	if !valid {
		t.Fatalf("expected a freshly computed checksum to verify as valid")
	}
}

func TestSingleBitFlipInvalidatesChecksum(t *testing.T) {
	frame := buildIPv4(t)
	fixed, err := ComputeIPv4(frame)
	if err != nil {
		t.Fatalf("ComputeIPv4: %v", err)
	}
	corrupted := append([]byte(nil), fixed...)
	corrupted[0] ^= 0x01 // flip a bit in the version/IHL byte

	valid, err := VerifyIPv4(corrupted)
	if err != nil {
		t.Fatalf("VerifyIPv4: %v", err)
	}
	if valid {
		t.Fatalf("expected a single-bit flip to invalidate the checksum")
	}
}
