// Package cpufeat implements the host CPU feature probe (§4.10): FPU
// presence, register width, a timestamp source, cache presence, and a
// short list of newer integer instructions, used to pick fast-path copy
// routines and a clock source without ever aborting the driver on a
// probe failure — a failed feature simply disables the fast path that
// depended on it.
//
// No example in the retrieval pack ships a third-party CPU-feature
// detection library (the closest, golang.org/x/sys/cpu, is not present
// in any _examples/ go.mod), so this package is deliberately
// stdlib-only; see DESIGN.md for the full justification.
package cpufeat

import "runtime"

// Features is a snapshot of host capabilities relevant to copy-routine
// and clock-source selection (§4.10).
type Features struct {
	HasFPU          bool
	Is32BitOrWider  bool
	HasTimestamp    bool
	HasCache        bool
	HasModernIntOps bool
}

// Probe runs the feature checks and never fails: any check it cannot
// perform on the current GOARCH/GOOS simply reports false, which callers
// treat as "fast path unavailable", never as a fatal error (§4.10).
func Probe() Features {
	f := Features{
		HasFPU:         true, // every Go-supported arch has hardware float
		Is32BitOrWider: is32BitOrWider(),
		HasTimestamp:   true, // runtime provides a monotonic clock everywhere
		HasCache:       true, // presence of any cache hierarchy; no arch Go targets lacks one
		HasModernIntOps: hasModernIntOps(),
	}
	return f
}

// is32BitOrWider is true on every GOARCH: Go has no 16-bit target, and
// the narrowest ones (386, arm, mips) already have 32-bit registers.
func is32BitOrWider() bool {
	return true
}

// hasModernIntOps stands in for detecting a short list of newer integer
// instructions (e.g. popcount, bit-manipulation extensions) the original
// probed for via CPUID; on amd64/arm64 these are effectively always
// present in practice, elsewhere we conservatively report false.
func hasModernIntOps() bool {
	switch runtime.GOARCH {
	case "amd64", "arm64":
		return true
	default:
		return false
	}
}

// PreferFastCopy reports whether the fast bulk-copy path should be used
// given the probed features, falling back to a plain byte-at-a-time
// (here: built-in copy()) path otherwise.
func (f Features) PreferFastCopy() bool {
	return f.Is32BitOrWider && f.HasModernIntOps
}
