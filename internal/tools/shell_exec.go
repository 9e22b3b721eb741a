package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// maxShellTimeout caps any requested timeout.
const maxShellTimeout = 5 * time.Minute

// ShellExec runs shell commands for the "shell" tool.
type ShellExec struct {
	enabled        bool
	workingDir     string
	deniedPatterns []string
	defaultTimeout time.Duration
	maxOutputBytes int
}

// ShellExecConfig configures the shell executor.
type ShellExecConfig struct {
	Enabled        bool
	WorkingDir     string
	DeniedPatterns []string
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// DefaultDeniedPatterns block obviously destructive commands.
var DefaultDeniedPatterns = []string{
	"rm -rf /",
	"rm -rf /*",
	"mkfs",
	"dd if=",
	"> /dev/sd",
	"chmod -R 777 /",
	":(){ :|:& };:",
	"shutdown",
	"reboot",
}

// NewShellExec creates a shell executor. A nil DeniedPatterns list
// selects DefaultDeniedPatterns.
func NewShellExec(cfg ShellExecConfig) *ShellExec {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 100 * 1024
	}
	if cfg.DeniedPatterns == nil {
		cfg.DeniedPatterns = DefaultDeniedPatterns
	}
	return &ShellExec{
		enabled:        cfg.Enabled,
		workingDir:     cfg.WorkingDir,
		deniedPatterns: cfg.DeniedPatterns,
		defaultTimeout: cfg.DefaultTimeout,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

// Enabled reports whether shell execution is available.
func (s *ShellExec) Enabled() bool {
	return s.enabled
}

// ExecResult contains the result of a command execution.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut,omitempty"`
	Error    string `json:"error,omitempty"`
}

// String renders the result as tool output text.
func (r *ExecResult) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "exit code: %d", r.ExitCode)
	if r.TimedOut {
		sb.WriteString(" (timed out)")
	}
	if r.Error != "" {
		fmt.Fprintf(&sb, "\nerror: %s", r.Error)
	}
	if r.Stdout != "" {
		fmt.Fprintf(&sb, "\nstdout:\n%s", r.Stdout)
	}
	if r.Stderr != "" {
		fmt.Fprintf(&sb, "\nstderr:\n%s", r.Stderr)
	}
	return sb.String()
}

// Exec executes a shell command. Policy rejections are errors; a
// command that runs and fails is reported through ExecResult.
func (s *ShellExec) Exec(ctx context.Context, command string, timeoutSec int) (*ExecResult, error) {
	if !s.enabled {
		return nil, errors.New("shell execution is disabled")
	}
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("command must not be empty")
	}

	cmdLower := strings.ToLower(command)
	for _, denied := range s.deniedPatterns {
		if strings.Contains(cmdLower, strings.ToLower(denied)) {
			return nil, fmt.Errorf("command blocked by security policy: matches denied pattern %q", denied)
		}
	}

	timeout := s.defaultTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	timeout = min(timeout, maxShellTimeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if s.workingDir != "" {
		cmd.Dir = s.workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &ExecResult{
		Stdout: truncateOutput(stdout.String(), s.maxOutputBytes),
		Stderr: truncateOutput(stderr.String(), s.maxOutputBytes),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.Error = "command timed out"
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.Error = err.Error()
			result.ExitCode = -1
		}
	}

	return result, nil
}

// Register adds the "shell" tool to r. No-op when disabled.
func (s *ShellExec) Register(r *Registry) {
	if !s.enabled {
		return
	}
	r.Register(&Tool{
		Name:        "shell",
		Description: "Run a shell command with sh -c and return exit code, stdout and stderr. timeout is in seconds (max 300).",
		Params:      []string{"command", "timeout"},
		MinArgs:     1,
		Handler: func(ctx context.Context, args []string) (string, error) {
			timeout := 0
			if v := argAt(args, 1); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					return "", fmt.Errorf("timeout must be a non-negative integer, got %q", v)
				}
				timeout = n
			}
			res, err := s.Exec(ctx, args[0], timeout)
			if err != nil {
				return "", err
			}
			return res.String(), nil
		},
	})
}

// truncateOutput truncates output to maxBytes, adding a note if truncated.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}
