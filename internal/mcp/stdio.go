package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// stopGrace is how long Close waits for a subprocess to exit after its
// stdin is closed before killing it.
const stopGrace = 5 * time.Second

// StdioConfig describes an MCP server run as a subprocess that speaks
// newline-delimited JSON-RPC on stdin and stdout.
type StdioConfig struct {
	Command string
	Args    []string

	// Env is appended to the current environment as KEY=VALUE pairs.
	Env []string

	// Dir is the subprocess working directory. Empty inherits ours.
	Dir string

	Logger *slog.Logger
}

// StdioTransport multiplexes requests over one subprocess. A reader
// goroutine routes each response to the caller waiting on its ID, so
// concurrent calls do not block each other and a caller that gives up
// leaves the subprocess running. The subprocess is started on first use
// and restarted on the next call after it exits.
type StdioTransport struct {
	cfg    StdioConfig
	logger *slog.Logger

	mu   sync.Mutex // guards proc and serializes writes
	proc *stdioProc
}

// stdioProc is one run of the subprocess.
type stdioProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	// done is closed once stdout is exhausted and the process reaped.
	done chan struct{}
	err  error

	mu      sync.Mutex
	pending map[int64]chan *Response
}

// NewStdioTransport returns a transport for cfg without starting it.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{cfg: cfg, logger: logger}
}

// Send writes req and waits for the response with the same ID.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	t.mu.Lock()
	p, err := t.running()
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	ch := p.expect(req.ID)
	defer p.forget(req.ID)
	err = p.write(data)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-p.done:
		return nil, fmt.Errorf("MCP subprocess %s exited: %w", t.cfg.Command, p.exitErr())
	case <-ctx.Done():
		t.abandon(p, req.ID, ctx.Err())
		return nil, ctx.Err()
	}
}

// Notify writes a notification. It starts the subprocess if needed.
func (t *StdioTransport) Notify(_ context.Context, notif *Notification) error {
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.running()
	if err != nil {
		return err
	}
	return p.write(data)
}

// Close closes the subprocess's stdin and waits for it to exit, killing
// it after a grace period. Close is idempotent.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	p := t.proc
	t.proc = nil
	t.mu.Unlock()
	if p == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", p.cmd.Process.Pid)
	p.stdin.Close()

	select {
	case <-p.done:
	case <-time.After(stopGrace):
		t.logger.Warn("MCP subprocess did not exit, killing", "pid", p.cmd.Process.Pid)
		_ = p.cmd.Process.Kill()
		<-p.done
	}
	return nil
}

// abandon tells the server a request was given up on. Best effort.
func (t *StdioTransport) abandon(p *stdioProc, id int64, cause error) {
	data, err := json.Marshal(cancelled(id, cause.Error()))
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.proc == p {
		_ = p.write(data)
	}
}

// running returns the live subprocess, starting one if there is none or
// the last one exited. Caller must hold t.mu.
func (t *StdioTransport) running() (*stdioProc, error) {
	if t.proc != nil {
		select {
		case <-t.proc.done:
			t.logger.Warn("MCP subprocess exited, restarting", "error", t.proc.exitErr())
		default:
			return t.proc, nil
		}
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = append(os.Environ(), t.cfg.Env...)
	cmd.Dir = t.cfg.Dir
	cmd.Stderr = &lineLogger{logger: t.logger}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start subprocess %s: %w", t.cfg.Command, err)
	}

	p := &stdioProc{
		cmd:     cmd,
		stdin:   stdin,
		done:    make(chan struct{}),
		pending: make(map[int64]chan *Response),
	}
	go p.read(stdout, t.logger)

	t.logger.Info("MCP subprocess started",
		"command", t.cfg.Command,
		"args", t.cfg.Args,
		"pid", cmd.Process.Pid,
	)
	t.proc = p
	return p, nil
}

// read routes responses to their callers until stdout closes, then
// reaps the process.
func (p *stdioProc) read(stdout io.Reader, logger *slog.Logger) {
	r := bufio.NewReaderSize(stdout, 1<<20)
	var readErr error
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			p.route(line, logger)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}

	waitErr := p.cmd.Wait()
	p.err = errors.Join(readErr, waitErr)
	if p.err == nil {
		p.err = io.EOF
	}
	close(p.done)
}

func (p *stdioProc) route(line []byte, logger *slog.Logger) {
	var msg struct {
		Response
		Method string `json:"method"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		logger.Debug("skipping non-JSON line from MCP subprocess", "line", string(line))
		return
	}
	if msg.Method != "" {
		logger.Debug("ignoring MCP server message", "method", msg.Method)
		return
	}

	p.mu.Lock()
	ch, ok := p.pending[msg.ID]
	delete(p.pending, msg.ID)
	p.mu.Unlock()
	if !ok {
		logger.Debug("dropping MCP response nobody is waiting for", "id", msg.ID)
		return
	}
	resp := msg.Response
	ch <- &resp
}

func (p *stdioProc) expect(id int64) chan *Response {
	ch := make(chan *Response, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *stdioProc) forget(id int64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// write sends one line. Caller must hold the transport lock.
func (p *stdioProc) write(data []byte) error {
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// exitErr is valid once done is closed.
func (p *stdioProc) exitErr() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// lineLogger logs a subprocess's stderr one line at a time.
type lineLogger struct {
	logger *slog.Logger
	buf    []byte
}

func (l *lineLogger) Write(b []byte) (int, error) {
	l.buf = append(l.buf, b...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(l.buf[:i]); len(line) > 0 {
			l.logger.Debug("MCP subprocess stderr", "line", string(line))
		}
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > 64*1024 {
		l.logger.Debug("MCP subprocess stderr", "line", string(l.buf))
		l.buf = l.buf[:0]
	}
	return len(b), nil
}
