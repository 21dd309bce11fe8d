package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"pipegate/internal/config"
)

const (
	inboxSize           = 64
	restartDelayInitial = 250 * time.Millisecond
	restartDelayMax     = 10 * time.Second
)

// Controller is the single-goroutine actor owning the runtime process table.
// Every mutation and every endpoint lookup is serialized through its inbox,
// so the table needs no locks. Background monitors feed it idle and
// filesystem-change signals through the same inbox.
type Controller struct {
	cfg      config.Config
	launcher Launcher
	sink     EventSink
	logger   *slog.Logger
	shutdown func()

	inbox chan message
	quit  chan struct{}

	// Owned by the Run goroutine.
	table    map[string]*entry
	stopping bool

	pickPort func() (int, error)
	newDelay func() backoff.BackOff
}

// entry is the supervised state for one declared runtime.
type entry struct {
	spec     config.RuntimeSpec
	status   Status
	instance string
	endpoint string
	handle   Handle
	waiters  []chan uriReply
	failures int
	delay    backoff.BackOff
}

// New constructs a controller. shutdown is invoked when an idle timeout or a
// shutdown-policy filesystem change ends the server's life.
func New(cfg config.Config, launcher Launcher, sink EventSink, logger *slog.Logger, shutdown func()) *Controller {
	c := &Controller{
		cfg:      cfg,
		launcher: launcher,
		sink:     sink,
		logger:   logger.With("component", "runtime"),
		shutdown: shutdown,
		inbox:    make(chan message, inboxSize),
		quit:     make(chan struct{}),
		table:    make(map[string]*entry, len(cfg.Runtimes)),
		pickPort: pickPort,
		newDelay: newRestartDelay,
	}
	for name, spec := range cfg.Runtimes {
		c.table[name] = &entry{spec: spec, status: StatusStopped}
	}
	return c
}

func newRestartDelay() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = restartDelayInitial
	b.MaxInterval = restartDelayMax
	b.MaxElapsedTime = 0
	return b
}

// StartAll spawns every configured runtime. Completion is observable through
// ResolveURI succeeding once each process reports ready.
func (c *Controller) StartAll() {
	c.send(message{kind: msgStartAll})
}

// NotifyIdle signals that the idle threshold was breached.
func (c *Controller) NotifyIdle() {
	c.send(message{kind: msgHeartbeatTimeout})
}

// NotifyFsChange signals a change under the app directory.
func (c *Controller) NotifyFsChange() {
	c.send(message{kind: msgFsChanged})
}

// ResolveURI returns the live endpoint of the named runtime. The wait for a
// starting runtime is bounded by ctx; endpoints must be re-resolved per use
// because restarts invalidate them.
func (c *Controller) ResolveURI(ctx context.Context, name string) (string, error) {
	reply := make(chan uriReply, 1)
	if !c.send(message{kind: msgGetURI, name: name, reply: reply}) {
		return "", ErrRuntimeUnavailable
	}
	select {
	case r := <-reply:
		return r.endpoint, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %s", ErrRuntimeUnavailable, ctx.Err())
	}
}

// Statuses returns a snapshot of every runtime's supervised state.
func (c *Controller) Statuses(ctx context.Context) (map[string]Status, error) {
	reply := make(chan map[string]Status, 1)
	if !c.send(message{kind: msgStatuses, statuses: reply}) {
		return nil, ErrRuntimeUnavailable
	}
	select {
	case snapshot := <-reply:
		return snapshot, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send enqueues a control message, failing once the controller has exited.
func (c *Controller) send(m message) bool {
	select {
	case c.inbox <- m:
		return true
	case <-c.quit:
		return false
	}
}

// Run drains the inbox strictly in arrival order until the context is
// cancelled. It must be called exactly once.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.quit)
	c.logger.Info("runtime controller started", "runtimes", len(c.table))
	for {
		select {
		case <-ctx.Done():
			c.stopAll("context cancelled")
			c.logger.Info("runtime controller stopped")
			return
		case msg := <-c.inbox:
			c.handle(ctx, msg)
		}
	}
}

func (c *Controller) handle(ctx context.Context, msg message) {
	switch msg.kind {
	case msgStartAll:
		for name := range c.table {
			c.spawn(ctx, name)
		}
	case msgGetURI:
		c.resolve(msg)
	case msgStatuses:
		snapshot := make(map[string]Status, len(c.table))
		for name, e := range c.table {
			snapshot[name] = e.status
		}
		msg.statuses <- snapshot
	case msgProcessReady:
		c.ready(msg)
	case msgProcessExited:
		c.exited(msg)
	case msgStartOne:
		e, ok := c.table[msg.name]
		if ok && !c.stopping && e.status == StatusCrashed {
			c.spawn(ctx, msg.name)
		}
	case msgHeartbeatTimeout:
		c.logger.Info("idle timeout reached, shutting down runtimes")
		c.stopAll("idle timeout")
		if c.shutdown != nil {
			c.shutdown()
		}
	case msgFsChanged:
		c.fsChanged(ctx)
	}
}

func (c *Controller) resolve(msg message) {
	e, ok := c.table[msg.name]
	if !ok {
		msg.reply <- uriReply{err: fmt.Errorf("%w: %q", ErrUnknownRuntime, msg.name)}
		return
	}
	switch e.status {
	case StatusReady:
		msg.reply <- uriReply{endpoint: e.endpoint}
	case StatusStarting, StatusCrashed:
		e.waiters = append(e.waiters, msg.reply)
	default:
		msg.reply <- uriReply{err: ErrRuntimeUnavailable}
	}
}

// spawn starts a fresh process for a runtime. Each spawn gets a new instance
// id and a new endpoint; events from superseded instances are discarded.
func (c *Controller) spawn(ctx context.Context, name string) {
	e := c.table[name]
	port, err := c.pickPort()
	if err != nil {
		c.logger.Error("no free port for runtime", "runtime", name, "error", err)
		c.crashed(name, err)
		return
	}
	instance := uuid.NewString()
	endpoint := fmt.Sprintf("http://127.0.0.1:%d", port)

	h, err := c.launcher.Launch(ctx, name, e.spec, port)
	if err != nil {
		c.logger.Error("failed to spawn runtime", "runtime", name, "error", err)
		c.crashed(name, err)
		return
	}

	e.status = StatusStarting
	e.instance = instance
	e.endpoint = endpoint
	e.handle = h
	c.logger.Info("runtime starting", "runtime", name, "instance", instance, "endpoint", endpoint)
	c.publish(name, "starting", e, "")

	go func() {
		select {
		case <-h.Ready():
			c.send(message{kind: msgProcessReady, name: name, instance: instance, endpoint: endpoint})
		case err := <-h.Done():
			c.send(message{kind: msgProcessExited, name: name, instance: instance, err: err})
			return
		}
		err := <-h.Done()
		c.send(message{kind: msgProcessExited, name: name, instance: instance, err: err})
	}()
}

func (c *Controller) ready(msg message) {
	e, ok := c.table[msg.name]
	if !ok || e.instance != msg.instance || e.status != StatusStarting {
		return
	}
	e.status = StatusReady
	e.failures = 0
	if e.delay != nil {
		e.delay.Reset()
	}
	c.logger.Info("runtime ready", "runtime", msg.name, "endpoint", e.endpoint)
	c.publish(msg.name, "ready", e, "")
	c.flushWaiters(e, uriReply{endpoint: e.endpoint})
}

func (c *Controller) exited(msg message) {
	e, ok := c.table[msg.name]
	if !ok || e.instance != msg.instance {
		return
	}
	detail := ""
	if msg.err != nil {
		detail = msg.err.Error()
	}
	e.handle = nil
	if c.stopping {
		e.status = StatusStopped
		return
	}
	e.status = StatusCrashed
	c.logger.Warn("runtime process exited", "runtime", msg.name, "error", msg.err)
	c.publish(msg.name, "exited", e, detail)
	c.crashed(msg.name, msg.err)
}

// crashed applies the restart policy after an exit or spawn failure.
func (c *Controller) crashed(name string, cause error) {
	e := c.table[name]
	e.status = StatusCrashed
	e.failures++
	if e.failures > c.cfg.MaxRestarts {
		e.status = StatusStopped
		c.logger.Error("runtime restart budget exhausted", "runtime", name, "failures", e.failures, "error", cause)
		c.publish(name, "stopped", e, "restart budget exhausted")
		c.flushWaiters(e, uriReply{err: ErrRuntimeUnavailable})
		return
	}
	if e.delay == nil {
		e.delay = c.newDelay()
	}
	delay := e.delay.NextBackOff()
	c.logger.Warn("runtime restart scheduled", "runtime", name, "attempt", e.failures, "delay", delay)
	c.publish(name, "restarting", e, delay.String())
	time.AfterFunc(delay, func() {
		c.send(message{kind: msgStartOne, name: name})
	})
}

func (c *Controller) fsChanged(ctx context.Context) {
	if c.stopping {
		c.logger.Debug("app directory changed during shutdown, ignoring")
		return
	}
	switch c.cfg.WatchPolicy {
	case config.WatchPolicyIgnore:
		c.logger.Debug("app directory changed, policy is ignore")
	case config.WatchPolicyShutdown:
		c.logger.Info("app directory changed, shutting down")
		c.stopAll("filesystem change")
		if c.shutdown != nil {
			c.shutdown()
		}
	default:
		c.logger.Info("app directory changed, restarting runtimes")
		for name, e := range c.table {
			if e.handle != nil {
				e.handle.Stop()
				e.handle = nil
			}
			e.failures = 0
			if e.delay != nil {
				e.delay.Reset()
			}
			c.spawn(ctx, name)
		}
	}
}

// stopAll kills every process and fails pending waiters. Idempotent.
func (c *Controller) stopAll(reason string) {
	if c.stopping {
		return
	}
	c.stopping = true
	for name, e := range c.table {
		if e.handle != nil {
			e.handle.Stop()
			e.handle = nil
		}
		if e.status != StatusStopped {
			e.status = StatusStopped
			c.publish(name, "stopped", e, reason)
		}
		c.flushWaiters(e, uriReply{err: ErrRuntimeUnavailable})
	}
}

// flushWaiters replies to every pending lookup. Reply channels have capacity
// one, so sends never block even when the requester already gave up.
func (c *Controller) flushWaiters(e *entry, r uriReply) {
	for _, w := range e.waiters {
		select {
		case w <- r:
		default:
		}
	}
	e.waiters = nil
}
