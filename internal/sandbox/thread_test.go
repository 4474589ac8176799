package sandbox

import (
	"context"
	"testing"
	"time"

	"go.starlark.net/starlark"
)

func TestExecCapturesStdoutAndGlobals(t *testing.T) {
	src := "x = 1 + 2\nprint('hello')"
	res, err := Exec(context.Background(), REPL, src, nil, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Error {
		t.Fatalf("unexpected ExecResult.Error=true, stderr=%s", res.Stderr)
	}
	if res.Stdout != "hello\n" {
		t.Fatalf("unexpected stdout: %q", res.Stdout)
	}
	v, ok := res.Globals["x"]
	if !ok {
		t.Fatalf("expected global x to be bound")
	}
	if i, ok := v.(starlark.Int); !ok || i.String() != "3" {
		t.Fatalf("expected x == 3, got %v", v)
	}
}

func TestExecRejectsValidatorFailureBeforeRunning(t *testing.T) {
	res, err := Exec(context.Background(), REPL, `eval("1")`, nil, 5*time.Second, nil)
	if err == nil {
		t.Fatalf("expected validator rejection error")
	}
	if !res.Error {
		t.Fatalf("expected ExecResult.Error=true")
	}
}
