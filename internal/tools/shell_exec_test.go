package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/lynexus/lynexus-agent/internal/command"
)

func enabledShell(t *testing.T) *ShellExec {
	t.Helper()
	return NewShellExec(ShellExecConfig{Enabled: true})
}

func TestShellExec_BasicCommand(t *testing.T) {
	result, err := enabledShell(t).Exec(context.Background(), "echo hello", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", result.ExitCode)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("expected 'hello\\n', got %q", result.Stdout)
	}
}

func TestShellExec_Disabled(t *testing.T) {
	se := NewShellExec(ShellExecConfig{})

	if _, err := se.Exec(context.Background(), "echo hello", 0); err == nil {
		t.Fatal("expected error when disabled")
	}

	reg := NewRegistry()
	se.Register(reg)
	if reg.Get("shell") != nil {
		t.Error("disabled shell should not register a tool")
	}
}

func TestShellExec_DeniedCommand(t *testing.T) {
	_, err := enabledShell(t).Exec(context.Background(), "rm -rf /", 0)
	if err == nil {
		t.Fatal("expected error for denied command")
	}
	if !strings.Contains(err.Error(), "denied pattern") {
		t.Errorf("error = %q", err)
	}
}

func TestShellExec_Timeout(t *testing.T) {
	se := NewShellExec(ShellExecConfig{Enabled: true, DefaultTimeout: time.Second})

	result, err := se.Exec(context.Background(), "sleep 10", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.TimedOut {
		t.Error("expected timeout")
	}
}

func TestShellExec_NonZeroExit(t *testing.T) {
	result, err := enabledShell(t).Exec(context.Background(), "exit 42", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 42 {
		t.Errorf("expected exit code 42, got %d", result.ExitCode)
	}
}

func TestShellExec_CapturesStderr(t *testing.T) {
	result, err := enabledShell(t).Exec(context.Background(), "echo error >&2", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Stderr != "error\n" {
		t.Errorf("expected stderr 'error\\n', got %q", result.Stderr)
	}
}

func TestShellExec_ToolThroughRegistry(t *testing.T) {
	reg := NewRegistry()
	enabledShell(t).Register(reg)

	out := reg.Invoke(context.Background(), command.Directive{Tool: "shell", Args: []string{"echo hi"}})
	if out.Failed {
		t.Fatalf("unexpected failure: %s", out.Result)
	}
	if !strings.Contains(out.Result, "exit code: 0") || !strings.Contains(out.Result, "hi") {
		t.Errorf("result = %q", out.Result)
	}

	out = reg.Invoke(context.Background(), command.Directive{Tool: "shell", Args: []string{"echo hi", "soon"}})
	if !out.Failed {
		t.Error("non-numeric timeout should fail")
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := truncateOutput("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	got := truncateOutput(strings.Repeat("x", 20), 10)
	if !strings.HasPrefix(got, strings.Repeat("x", 10)) || !strings.Contains(got, "truncated") {
		t.Errorf("got %q", got)
	}
}
