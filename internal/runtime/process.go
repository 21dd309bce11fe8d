package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"pipegate/internal/config"
)

const (
	probeInterval    = 100 * time.Millisecond
	probeDialTimeout = 250 * time.Millisecond
)

// portPlaceholder in a runtime's args is replaced with its assigned port.
const portPlaceholder = "{port}"

// Handle observes one spawned backend process.
type Handle interface {
	// Ready is closed once the process accepts connections on its endpoint.
	Ready() <-chan struct{}
	// Done delivers the process exit error (nil for clean exit) exactly once.
	Done() <-chan error
	// Stop kills the process. Safe to call multiple times.
	Stop()
}

// Launcher starts backend runtime processes.
type Launcher interface {
	Launch(ctx context.Context, name string, spec config.RuntimeSpec, port int) (Handle, error)
}

// NewExecLauncher returns a Launcher backed by os/exec. The spawned process
// inherits the gateway's environment plus PIPEGATE_PORT, and its stdio.
func NewExecLauncher(logger *slog.Logger) Launcher {
	return &execLauncher{logger: logger.With("component", "launcher")}
}

type execLauncher struct {
	logger *slog.Logger
}

func (l *execLauncher) Launch(ctx context.Context, name string, spec config.RuntimeSpec, port int) (Handle, error) {
	cmd := exec.CommandContext(ctx, spec.Command, renderArgs(spec.Args, port)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "PIPEGATE_PORT="+strconv.Itoa(port))
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	l.logger.Info("runtime process spawned", "runtime", name, "pid", cmd.Process.Pid, "port", port)

	h := &execHandle{
		cmd:    cmd,
		ready:  make(chan struct{}),
		done:   make(chan error, 1),
		exited: make(chan struct{}),
		logger: l.logger.With("runtime", name),
	}
	go h.wait()
	go h.probe(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), spec.ReadyTimeout)
	return h, nil
}

func renderArgs(args []string, port int) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, portPlaceholder, strconv.Itoa(port))
	}
	return out
}

type execHandle struct {
	cmd    *exec.Cmd
	ready  chan struct{}
	done   chan error
	exited chan struct{}
	stop   sync.Once
	logger *slog.Logger
}

func (h *execHandle) Ready() <-chan struct{} { return h.ready }
func (h *execHandle) Done() <-chan error     { return h.done }

func (h *execHandle) Stop() {
	h.stop.Do(func() {
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
	})
}

func (h *execHandle) wait() {
	err := h.cmd.Wait()
	close(h.exited)
	h.done <- err
}

// probe dials the runtime's port until it accepts, the process exits, or the
// ready timeout elapses. A probe timeout kills the process so the exit path
// drives the retry policy.
func (h *execHandle) probe(addr string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, probeDialTimeout)
		if err == nil {
			_ = conn.Close()
			close(h.ready)
			return
		}
		if time.Now().After(deadline) {
			h.logger.Warn("readiness probe timed out", "addr", addr, "timeout", timeout)
			h.Stop()
			return
		}
		select {
		case <-h.exited:
			return
		case <-ticker.C:
		}
	}
}

// pickPort reserves an ephemeral loopback port by binding and releasing it.
func pickPort() (int, error) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port, nil
}
