package dverr

import (
	"errors"
	"testing"
)

func TestDriverErrorIsMatchesKind(t *testing.T) {
	e1 := New(1, RxCrc)
	e2 := New(2, RxCrc)
	if !errors.Is(e1, e2) {
		t.Fatalf("expected errors with the same Kind to match via errors.Is")
	}

	e3 := New(1, RxOverrun)
	if errors.Is(e1, e3) {
		t.Fatalf("expected errors with different Kind not to match")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("bus timeout")
	e := Wrap(1, AdapterHang, cause)
	if !errors.Is(e, cause) {
		t.Fatalf("expected Wrap to preserve the cause for errors.Is")
	}
}

func TestToAPIErrorMapsTimeout(t *testing.T) {
	e := New(1, TxTimeout)
	if got := ToAPIError(e); got != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", got)
	}
}

func TestToAPIErrorMapsPoolExhausted(t *testing.T) {
	e := New(1, PoolExhausted)
	if got := ToAPIError(e); got != ErrNoSpace {
		t.Fatalf("expected ErrNoSpace, got %v", got)
	}
}

func TestToAPIErrorNilIsNone(t *testing.T) {
	if got := ToAPIError(nil); got != ErrNone {
		t.Fatalf("expected ErrNone for nil error, got %v", got)
	}
}

func TestDefaultSeverityVectorStolenIsFatal(t *testing.T) {
	if DefaultSeverity(VectorStolen) != Fatal {
		t.Fatalf("expected VectorStolen to default to Fatal severity")
	}
}
