// Package botguard drives an opaque attestation program through its
// fixed capability contract. The program is never inspected; the client
// only loads it, waits for its capabilities and invokes them under a
// deadline.
package botguard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"po-token/shared"

	"go.uber.org/zap"
)

// DefaultTimeout bounds every capability operation
const DefaultTimeout = shared.DefaultVMTimeout

// ErrTerminal is the cause of every VMError returned once shutdown has begun
var ErrTerminal = errors.New("attestation client is shut down")

// State of a Client. A client moves forward through these exactly once.
type State int32

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateShuttingDown
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateLoading:
		return "Loading"
	case StateReady:
		return "Ready"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateTerminal:
		return "Terminal"
	default:
		return "Unknown"
	}
}

// Options configures a Client
type Options struct {
	Timeout         time.Duration // default DefaultTimeout
	UserInteraction any           // forwarded to the program's init entry point
	Logger          *shared.Logger
}

// Client wraps one loaded attestation program
type Client struct {
	handle  Program
	program string
	timeout time.Duration
	opts    Options
	logger  *shared.Logger

	state        atomic.Int32
	caps         *capabilityFuture
	closing      chan struct{} // closed when shutdown begins or load fails
	closeOnce    sync.Once
	mu           sync.Mutex
	syncSnapshot SyncSnapshotFunc
}

// New stores the program handle and program without loading it
func New(handle Program, program string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = shared.NopLogger()
	}
	return &Client{
		handle:  handle,
		program: program,
		timeout: opts.Timeout,
		opts:    opts,
		logger:  logger.Named("botguard"),
		caps:    newCapabilityFuture(),
		closing: make(chan struct{}),
	}
}

// Create is New followed by Load
func Create(ctx context.Context, handle Program, program string, opts Options) (*Client, error) {
	c := New(handle, program, opts)
	if err := c.Load(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// State returns the current lifecycle state
func (c *Client) State() State {
	return State(c.state.Load())
}

// Timeout returns the deadline applied to each operation
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Load runs the program's init entry point. Capabilities may arrive
// later; operations issued meanwhile wait for them.
func (c *Client) Load(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateUninitialized), int32(StateLoading)) {
		return shared.NewVMError("load", c.State().String(), "program already loaded", nil)
	}
	if err := ctx.Err(); err != nil {
		return c.failLoad("load canceled", err)
	}

	if c.handle == nil {
		return c.failLoad("program handle not found", nil)
	}
	if fn, ok := c.handle.(ProgramFunc); ok && fn == nil {
		return c.failLoad("program handle has no init function", nil)
	}

	syncSnapshot, err := c.callInit()
	if err != nil {
		return c.failLoad("failed to load program", err)
	}
	c.mu.Lock()
	c.syncSnapshot = syncSnapshot
	c.mu.Unlock()

	c.logger.Debug("Program loaded",
		zap.Int("program_bytes", len(c.program)),
		zap.Bool("sync_snapshot", syncSnapshot != nil),
		zap.Bool("capabilities_ready", c.caps.resolved()))
	return nil
}

func (c *Client) callInit() (fn SyncSnapshotFunc, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("init panicked: %v", r)
		}
	}()

	opts := InitOptions{
		Synchronous:     true,
		UserInteraction: c.opts.UserInteraction,
		Stats:           func(any) {},
		Extra:           [][]any{{}, {}},
	}
	return c.handle.Init(c.program, c.deliver, opts)
}

// deliver is handed to the program as its capability callback. Only the
// first delivery counts. A delivery racing shutdown still resolves the
// future so Shutdown can reach the shutdown capability; waiters recheck
// the state after waking.
func (c *Client) deliver(caps Capabilities) {
	// Ready is published before waiters wake. A repeated delivery finds
	// the state already past Loading.
	c.state.CompareAndSwap(int32(StateLoading), int32(StateReady))
	if !c.caps.resolve(caps) {
		c.logger.DebugIf("Ignoring repeated capability delivery")
		return
	}
	c.logger.Debug("Capabilities delivered",
		zap.Bool("async_snapshot", caps.AsyncSnapshot != nil),
		zap.Bool("shutdown", caps.Shutdown != nil),
		zap.Bool("pass_event", caps.PassEvent != nil),
		zap.Bool("check_camera", caps.CheckCamera != nil))
}

func (c *Client) failLoad(message string, cause error) error {
	c.state.Store(int32(StateTerminal))
	c.closeOnce.Do(func() { close(c.closing) })
	c.logger.Error("Program load failed", zap.String("reason", message), zap.Error(cause))
	return shared.NewVMError("load", StateTerminal.String(), message, cause)
}

// Snapshot asks the program for an attestation response. Signal-output
// slots produced along the way are appended to args.SignalOutput.
func (c *Client) Snapshot(ctx context.Context, args SnapshotArgs) (string, error) {
	const op = "snapshot"
	if err := c.checkOperational(op); err != nil {
		return "", err
	}
	if args.SignalOutput == nil {
		args.SignalOutput = NewSignalOutput()
	}

	ctx, cancel, budget := c.boundedContext(ctx)
	defer cancel()

	caps, err := c.awaitCapabilities(ctx, op, budget)
	if err != nil {
		return "", err
	}
	if caps.AsyncSnapshot == nil {
		return "", shared.NewVMError(op, c.State().String(), "async snapshot capability not available", nil)
	}

	type outcome struct {
		response string
		err      error
	}
	results := make(chan outcome, 1)
	var once sync.Once
	finish := func(o outcome) {
		once.Do(func() { results <- o })
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				finish(outcome{err: fmt.Errorf("async snapshot panicked: %v", r)})
			}
		}()
		if err := caps.AsyncSnapshot(args, func(response string) {
			finish(outcome{response: response})
		}); err != nil {
			finish(outcome{err: err})
		}
	}()

	select {
	case o := <-results:
		if o.err != nil {
			return "", shared.NewVMError(op, c.State().String(), "async snapshot failed", o.err)
		}
		return o.response, nil
	case <-ctx.Done():
		return "", c.contextError(op, budget, ctx.Err())
	case <-c.closing:
		return "", c.terminalError(op)
	}
}

// Invoke produces a snapshot through the synchronous function returned
// at load time. It is not raced against the deadline.
func (c *Client) Invoke(ctx context.Context, args SnapshotArgs) (response string, err error) {
	const op = "invoke"
	if err := c.checkOperational(op); err != nil {
		return "", err
	}
	c.mu.Lock()
	syncSnapshot := c.syncSnapshot
	c.mu.Unlock()
	if syncSnapshot == nil {
		return "", shared.NewVMError(op, c.State().String(), "sync snapshot function not available", nil)
	}
	if err := ctx.Err(); err != nil {
		return "", c.contextError(op, c.budget(ctx), err)
	}
	if args.SignalOutput == nil {
		args.SignalOutput = NewSignalOutput()
	}

	defer func() {
		if r := recover(); r != nil {
			err = shared.NewVMError(op, c.State().String(), "sync snapshot panicked", fmt.Errorf("%v", r))
		}
	}()
	response, err = syncSnapshot(args)
	if err != nil {
		return "", shared.NewVMError(op, c.State().String(), "sync snapshot failed", err)
	}
	return response, nil
}

// PassEvent forwards an event to the program
func (c *Client) PassEvent(ctx context.Context, args any) error {
	return c.fireEvent(ctx, "passEvent", args, func(caps Capabilities) EventFunc { return caps.PassEvent })
}

// CheckCamera forwards a camera check to the program
func (c *Client) CheckCamera(ctx context.Context, args any) error {
	return c.fireEvent(ctx, "checkCamera", args, func(caps Capabilities) EventFunc { return caps.CheckCamera })
}

func (c *Client) fireEvent(ctx context.Context, op string, args any, pick func(Capabilities) EventFunc) error {
	if err := c.checkOperational(op); err != nil {
		return err
	}

	ctx, cancel, budget := c.boundedContext(ctx)
	defer cancel()

	caps, err := c.awaitCapabilities(ctx, op, budget)
	if err != nil {
		return err
	}
	fn := pick(caps)
	if fn == nil {
		return shared.NewVMError(op, c.State().String(), op+" capability not available", nil)
	}
	return c.invokeBounded(ctx, op, budget, func() error { return fn(args) }, true)
}

// Shutdown releases the program. Every operation issued after Shutdown
// begins fails with ErrTerminal; the client ends Terminal even when the
// shutdown capability is missing or fails.
func (c *Client) Shutdown(ctx context.Context) error {
	const op = "shutdown"
	for {
		s := c.State()
		if s >= StateShuttingDown {
			return c.terminalError(op)
		}
		if c.state.CompareAndSwap(int32(s), int32(StateShuttingDown)) {
			if s == StateUninitialized {
				c.finishShutdown()
				return nil
			}
			break
		}
	}
	c.closeOnce.Do(func() { close(c.closing) })
	defer c.finishShutdown()

	ctx, cancel, budget := c.boundedContext(ctx)
	defer cancel()

	// Wait for capabilities even though closing is now closed, otherwise
	// a program still loading would never be told to stop.
	select {
	case <-c.caps.ready():
	case <-ctx.Done():
		return c.contextError(op, budget, ctx.Err())
	}

	fn := c.caps.value().Shutdown
	if fn == nil {
		return shared.NewVMError(op, StateShuttingDown.String(), "shutdown capability not available", nil)
	}
	return c.invokeBounded(ctx, op, budget, fn, false)
}

func (c *Client) finishShutdown() {
	c.state.Store(int32(StateTerminal))
	c.closeOnce.Do(func() { close(c.closing) })
	c.logger.Debug("Attestation client terminated")
}

// invokeBounded runs fn on its own goroutine so a capability that never
// returns cannot hold the caller past the deadline.
func (c *Client) invokeBounded(ctx context.Context, op string, budget time.Duration, fn func() error, abortOnClose bool) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%s panicked: %v", op, r)
			}
		}()
		done <- fn()
	}()

	var closing <-chan struct{}
	if abortOnClose {
		closing = c.closing
	}

	select {
	case err := <-done:
		if err != nil {
			return shared.NewVMError(op, c.State().String(), op+" failed", err)
		}
		return nil
	case <-ctx.Done():
		return c.contextError(op, budget, ctx.Err())
	case <-closing:
		return c.terminalError(op)
	}
}

func (c *Client) checkOperational(op string) error {
	switch s := c.State(); {
	case s == StateUninitialized:
		return shared.NewVMError(op, s.String(), "program not loaded", nil)
	case s >= StateShuttingDown:
		return c.terminalError(op)
	}
	return nil
}

// awaitCapabilities blocks until the program delivers its capabilities,
// the deadline passes or shutdown begins.
func (c *Client) awaitCapabilities(ctx context.Context, op string, budget time.Duration) (Capabilities, error) {
	select {
	case <-c.caps.ready():
		if c.State() >= StateShuttingDown {
			return Capabilities{}, c.terminalError(op)
		}
		return c.caps.value(), nil
	case <-c.closing:
		return Capabilities{}, c.terminalError(op)
	case <-ctx.Done():
		return Capabilities{}, c.contextError(op, budget, ctx.Err())
	}
}

func (c *Client) terminalError(op string) error {
	return shared.NewVMError(op, c.State().String(), "client is shut down", ErrTerminal)
}

// boundedContext applies the client timeout to ctx. The returned budget is
// the deadline actually in force, which is the caller's when it is nearer.
func (c *Client) boundedContext(ctx context.Context) (context.Context, context.CancelFunc, time.Duration) {
	budget := c.budget(ctx)
	bounded, cancel := context.WithTimeout(ctx, c.timeout)
	return bounded, cancel, budget
}

func (c *Client) budget(ctx context.Context) time.Duration {
	budget := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < budget {
			budget = max(left, 0)
		}
	}
	return budget
}

func (c *Client) contextError(op string, budget time.Duration, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		c.logger.Warn("Capability operation timed out",
			zap.String("operation", op),
			zap.Duration("timeout", budget),
			zap.Duration("client_timeout", c.timeout))
		return shared.NewTimeoutError(op, budget, err)
	}
	return shared.NewVMError(op, c.State().String(), "operation canceled", err)
}
