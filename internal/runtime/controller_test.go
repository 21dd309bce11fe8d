package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"pipegate/internal/config"
	"pipegate/internal/ws"
)

type fakeHandle struct {
	ready    chan struct{}
	done     chan error
	stopOnce sync.Once
	stopped  chan struct{}
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		ready:   make(chan struct{}),
		done:    make(chan error, 1),
		stopped: make(chan struct{}),
	}
}

func (h *fakeHandle) Ready() <-chan struct{} { return h.ready }
func (h *fakeHandle) Done() <-chan error     { return h.done }

func (h *fakeHandle) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopped)
		h.done <- errors.New("killed")
	})
}

func (h *fakeHandle) markReady() { close(h.ready) }

func (h *fakeHandle) exit(err error) {
	h.stopOnce.Do(func() {
		close(h.stopped)
		h.done <- err
	})
}

type fakeLauncher struct {
	mu      sync.Mutex
	handles []*fakeHandle
	ports   []int
	failing bool
}

func (l *fakeLauncher) Launch(_ context.Context, _ string, _ config.RuntimeSpec, port int) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failing {
		return nil, errors.New("spawn failed")
	}
	h := newFakeHandle()
	l.handles = append(l.handles, h)
	l.ports = append(l.ports, port)
	return h, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

func (l *fakeLauncher) handle(t *testing.T, i int) *fakeHandle {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		if len(l.handles) > i {
			h := l.handles[i]
			l.mu.Unlock()
			return h
		}
		l.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("launch %d never happened", i)
	return nil
}

type sinkRecorder struct {
	mu       sync.Mutex
	payloads []string
}

func (s *sinkRecorder) Publish(_ string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, string(payload))
}

func (s *sinkRecorder) contains(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payloads {
		if strings.Contains(p, substr) {
			return true
		}
	}
	return false
}

func testConfig(maxRestarts int, policy string) config.Config {
	return config.Config{
		MaxRestarts: maxRestarts,
		WatchPolicy: policy,
		Runtimes: map[string]config.RuntimeSpec{
			"r": {Command: "fake-runtime", ReadyTimeout: time.Second},
		},
	}
}

func startController(t *testing.T, cfg config.Config, sink EventSink, shutdown func()) (*Controller, *fakeLauncher) {
	t.Helper()
	launcher := &fakeLauncher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	ctl := New(cfg, launcher, sink, logger, shutdown)

	nextPort := 9000
	ctl.pickPort = func() (int, error) {
		nextPort++
		return nextPort, nil
	}
	ctl.newDelay = func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ctl.Run(ctx)
	return ctl, launcher
}

func TestResolveUnknownRuntime(t *testing.T) {
	ctl, _ := startController(t, testConfig(5, config.WatchPolicyRestart), nil, nil)
	ctl.StartAll()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := ctl.ResolveURI(ctx, "haskell")
	if !errors.Is(err, ErrUnknownRuntime) {
		t.Fatalf("expected ErrUnknownRuntime, got %v", err)
	}
}

func TestResolveWaitsForReadiness(t *testing.T) {
	ctl, launcher := startController(t, testConfig(5, config.WatchPolicyRestart), nil, nil)
	ctl.StartAll()

	h := launcher.handle(t, 0)
	go func() {
		time.Sleep(50 * time.Millisecond)
		h.markReady()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	uri, err := ctl.ResolveURI(ctx, "r")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if uri != "http://127.0.0.1:9001" {
		t.Fatalf("unexpected endpoint %q", uri)
	}
}

func TestResolveBoundedWaitWhileStarting(t *testing.T) {
	ctl, launcher := startController(t, testConfig(5, config.WatchPolicyRestart), nil, nil)
	ctl.StartAll()
	launcher.handle(t, 0) // spawned but never ready

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := ctl.ResolveURI(ctx, "r")
	if !errors.Is(err, ErrRuntimeUnavailable) {
		t.Fatalf("expected ErrRuntimeUnavailable, got %v", err)
	}
}

func TestRestartAssignsFreshEndpoint(t *testing.T) {
	ctl, launcher := startController(t, testConfig(5, config.WatchPolicyRestart), nil, nil)
	ctl.StartAll()

	h0 := launcher.handle(t, 0)
	h0.markReady()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, err := ctl.ResolveURI(ctx, "r")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	h0.exit(errors.New("segfault"))
	h1 := launcher.handle(t, 1)
	h1.markReady()

	second, err := ctl.ResolveURI(ctx, "r")
	if err != nil {
		t.Fatalf("resolve after restart failed: %v", err)
	}
	if second == first {
		t.Fatalf("endpoint %q reused across restart", second)
	}
}

func TestRestartBudgetExhaustion(t *testing.T) {
	ctl, launcher := startController(t, testConfig(1, config.WatchPolicyRestart), nil, nil)
	ctl.StartAll()

	launcher.handle(t, 0).exit(errors.New("crash"))
	launcher.handle(t, 1).exit(errors.New("crash"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, err := ctl.ResolveURI(ctx, "r")
		cancel()
		if errors.Is(err, ErrRuntimeUnavailable) && launcher.count() == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("runtime never marked unavailable, launches=%d", launcher.count())
}

func TestIdleTimeoutStopsEverything(t *testing.T) {
	shutdownCh := make(chan struct{})
	var once sync.Once
	shutdown := func() { once.Do(func() { close(shutdownCh) }) }

	ctl, launcher := startController(t, testConfig(5, config.WatchPolicyRestart), nil, shutdown)
	ctl.StartAll()
	h := launcher.handle(t, 0)
	h.markReady()

	ctl.NotifyIdle()

	select {
	case <-shutdownCh:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback never invoked")
	}
	select {
	case <-h.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("runtime process never stopped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := ctl.ResolveURI(ctx, "r"); !errors.Is(err, ErrRuntimeUnavailable) {
		t.Fatalf("expected ErrRuntimeUnavailable after shutdown, got %v", err)
	}
}

func TestFsChangeRestartsRuntimes(t *testing.T) {
	sink := &sinkRecorder{}
	ctl, launcher := startController(t, testConfig(5, config.WatchPolicyRestart), sink, nil)
	ctl.StartAll()

	h0 := launcher.handle(t, 0)
	h0.markReady()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	first, err := ctl.ResolveURI(ctx, "r")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	ctl.NotifyFsChange()

	h1 := launcher.handle(t, 1)
	h1.markReady()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resolveCtx, resolveCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		uri, err := ctl.ResolveURI(resolveCtx, "r")
		resolveCancel()
		if err == nil && uri != first {
			select {
			case <-h0.stopped:
			default:
				t.Fatal("old process still running after reload")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("endpoint never changed after filesystem reload")
}

func TestFsChangeShutdownPolicy(t *testing.T) {
	shutdownCh := make(chan struct{})
	shutdown := func() { close(shutdownCh) }

	ctl, launcher := startController(t, testConfig(5, config.WatchPolicyShutdown), nil, shutdown)
	ctl.StartAll()
	launcher.handle(t, 0).markReady()

	ctl.NotifyFsChange()

	select {
	case <-shutdownCh:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback never invoked")
	}
}

func TestStatusesAndEvents(t *testing.T) {
	sink := &sinkRecorder{}
	ctl, launcher := startController(t, testConfig(5, config.WatchPolicyRestart), sink, nil)
	ctl.StartAll()
	launcher.handle(t, 0).markReady()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		statuses, err := ctl.Statuses(ctx)
		cancel()
		if err == nil && statuses["r"] == StatusReady {
			if !sink.contains(`"event":"ready"`) {
				t.Fatal("ready event never published")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("runtime never reported ready")
}

// stalledSubscriber parks inside Enqueue until its gate opens, standing in
// for an event stream client whose peer stopped reading.
type stalledSubscriber struct {
	gate chan struct{}
}

func (s *stalledSubscriber) Enqueue([]byte) error {
	<-s.gate
	return nil
}

func (s *stalledSubscriber) Close() {}

func TestResolveUnaffectedByStalledEventConsumer(t *testing.T) {
	hub := ws.NewHub()
	stalled := &stalledSubscriber{gate: make(chan struct{})}
	defer close(stalled.gate)
	hub.Register(EventsTopic, stalled)

	ctl, launcher := startController(t, testConfig(5, config.WatchPolicyRestart), hub, nil)
	ctl.StartAll()
	launcher.handle(t, 0).markReady()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	uri, err := ctl.ResolveURI(ctx, "r")
	if err != nil {
		t.Fatalf("resolve of a ready runtime failed behind a stalled subscriber: %v", err)
	}
	if uri != "http://127.0.0.1:9001" {
		t.Fatalf("unexpected endpoint %q", uri)
	}
}

func TestFsChangeIgnoredAfterShutdown(t *testing.T) {
	ctl, launcher := startController(t, testConfig(5, config.WatchPolicyRestart), nil, func() {})
	ctl.StartAll()
	launcher.handle(t, 0).markReady()

	// The inbox is FIFO, so the change notification is processed after the
	// idle shutdown it got queued behind.
	ctl.NotifyIdle()
	ctl.NotifyFsChange()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	statuses, err := ctl.Statuses(ctx)
	if err != nil {
		t.Fatalf("statuses failed: %v", err)
	}
	if statuses["r"] != StatusStopped {
		t.Fatalf("expected stopped runtime, got %v", statuses["r"])
	}
	if n := launcher.count(); n != 1 {
		t.Fatalf("runtime respawned during shutdown, launches=%d", n)
	}
}

func TestConcurrentResolversGetTheirOwnReplies(t *testing.T) {
	ctl, launcher := startController(t, testConfig(5, config.WatchPolicyRestart), nil, nil)
	ctl.StartAll()

	h := launcher.handle(t, 0)
	go func() {
		time.Sleep(20 * time.Millisecond)
		h.markReady()
	}()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			uri, err := ctl.ResolveURI(ctx, "r")
			if err != nil {
				errs <- err
				return
			}
			if uri != "http://127.0.0.1:9001" {
				errs <- errors.New("wrong endpoint " + uri)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent resolve: %v", err)
	}
}
