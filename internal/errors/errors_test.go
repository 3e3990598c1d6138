package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitCodeUsesTypedCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeLimitExceeded, "wallet limit reached"))
	if got := ExitCode(err); got != int(CodeLimitExceeded) {
		t.Fatalf("expected exit code %d, got %d", CodeLimitExceeded, got)
	}
	if got := ExitCode(errors.New("plain")); got != int(CodeInternal) {
		t.Fatalf("expected internal exit code for untyped error, got %d", got)
	}
	if got := ExitCode(nil); got != 0 {
		t.Fatalf("expected success exit code, got %d", got)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeUnavailable, "save wallet", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be reachable")
	}
	if err.Error() != "save wallet: disk full" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
	if !HasCode(err, CodeUnavailable) {
		t.Fatal("expected HasCode to match")
	}
	if HasCode(err, CodeLastWallet) {
		t.Fatal("did not expect HasCode to match a different code")
	}
}

func TestTypeName(t *testing.T) {
	if TypeName(CodeConflict) != "concurrent_operation" {
		t.Fatalf("unexpected type name: %s", TypeName(CodeConflict))
	}
	if TypeName(Code(999)) != "internal_error" {
		t.Fatalf("unexpected fallback type name: %s", TypeName(Code(999)))
	}
}
