package sandbox

import (
	"errors"
	"testing"
)

func TestValidateRejectsBlockedBuiltin(t *testing.T) {
	err := Validate(REPL, `x = eval("1+1")`)
	if err == nil || !errors.Is(err, ErrValidatorRejected) {
		t.Fatalf("expected ErrValidatorRejected, got %v", err)
	}
}

func TestValidateRejectsBlockedAttr(t *testing.T) {
	err := Validate(REPL, `y = x.__globals__`)
	if err == nil || !errors.Is(err, ErrValidatorRejected) {
		t.Fatalf("expected ErrValidatorRejected, got %v", err)
	}
}

func TestValidateStrictRejectsAnyLoad(t *testing.T) {
	err := Validate(Strict, `load("helpers.star", "format")`)
	if err == nil || !errors.Is(err, ErrValidatorRejected) {
		t.Fatalf("expected strict tier to reject any load(), got %v", err)
	}
}

func TestValidateREPLRejectsBlockedModule(t *testing.T) {
	err := Validate(REPL, `load("os.star", "os")`)
	if err == nil || !errors.Is(err, ErrValidatorRejected) {
		t.Fatalf("expected REPL tier to reject blocked module, got %v", err)
	}
}

func TestValidateAllowsPlainArithmetic(t *testing.T) {
	src := "x = 1 + 2\nprint(x)"
	if err := Validate(REPL, src); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestValidateRejectsSyntaxError(t *testing.T) {
	err := Validate(REPL, `def (`)
	if err == nil || !errors.Is(err, ErrValidatorRejected) {
		t.Fatalf("expected syntax error to be surfaced as ErrValidatorRejected, got %v", err)
	}
}
