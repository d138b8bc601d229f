package ledger

import (
	"errors"
	"testing"
)

func TestValidateDenseOrdinalsOK(t *testing.T) {
	if err := ValidateDenseOrdinals([]int64{2, 0, 1}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := ValidateDenseOrdinals(nil); err != nil {
		t.Fatalf("expected no error for empty set, got %v", err)
	}
}

func TestValidateDenseOrdinalsGap(t *testing.T) {
	err := ValidateDenseOrdinals([]int64{0, 1, 3})
	if !errors.Is(err, ErrOrdinalGap) {
		t.Fatalf("expected ErrOrdinalGap, got %v", err)
	}
}

func TestValidateDenseOrdinalsDuplicate(t *testing.T) {
	err := ValidateDenseOrdinals([]int64{0, 1, 1})
	if !errors.Is(err, ErrOrdinalDuplicate) {
		t.Fatalf("expected ErrOrdinalDuplicate, got %v", err)
	}
}

func TestHashChainMismatchErrorMessage(t *testing.T) {
	err := &HashChainMismatchError{Ordinal: 3}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}
