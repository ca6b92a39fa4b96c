package botguard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"po-token/shared"

	"go.uber.org/zap/zaptest"
)

type stubProgram struct {
	mu            sync.Mutex
	deliver       CapabilityCallback
	caps          Capabilities
	deliverOnInit bool
	syncFn        SyncSnapshotFunc
	initErr       error
	gotProgram    string
	gotOpts       InitOptions
}

func (p *stubProgram) Init(program string, deliver CapabilityCallback, opts InitOptions) (SyncSnapshotFunc, error) {
	p.mu.Lock()
	p.deliver = deliver
	p.gotProgram = program
	p.gotOpts = opts
	p.mu.Unlock()

	if p.initErr != nil {
		return nil, p.initErr
	}
	if p.deliverOnInit {
		deliver(p.caps)
	}
	return p.syncFn, nil
}

// fire delivers the capabilities the way the program would, out of band
func (p *stubProgram) fire() {
	p.mu.Lock()
	deliver := p.deliver
	p.mu.Unlock()
	deliver(p.caps)
}

func respondingCaps(response string, calls *atomic.Int32) Capabilities {
	return Capabilities{
		AsyncSnapshot: func(args SnapshotArgs, respond func(string)) error {
			if calls != nil {
				calls.Add(1)
			}
			args.SignalOutput.Append(func(token []byte) (any, error) { return nil, nil })
			respond(response)
			return nil
		},
		Shutdown:    func() error { return nil },
		PassEvent:   func(any) error { return nil },
		CheckCamera: func(any) error { return nil },
	}
}

func newTestClient(t *testing.T, program Program, timeout time.Duration) *Client {
	t.Helper()
	return New(program, "program-bytes", Options{
		Timeout: timeout,
		Logger:  shared.WrapLogger(zaptest.NewLogger(t), "test"),
	})
}

func TestDefaultTimeout(t *testing.T) {
	c := New(&stubProgram{}, "p", Options{})
	if c.Timeout() != 3000*time.Millisecond {
		t.Errorf("Expected default timeout 3000ms, got %v", c.Timeout())
	}
	if c.State() != StateUninitialized {
		t.Errorf("Expected Uninitialized, got %v", c.State())
	}
}

func TestLoadAndSnapshot(t *testing.T) {
	program := &stubProgram{caps: respondingCaps("resp", nil), deliverOnInit: true}
	c := newTestClient(t, program, time.Second)

	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.State() != StateReady {
		t.Fatalf("Expected Ready, got %v", c.State())
	}
	if program.gotProgram != "program-bytes" {
		t.Errorf("Expected program bytes to be forwarded, got %q", program.gotProgram)
	}
	if !program.gotOpts.Synchronous {
		t.Error("Expected synchronous flag to be set")
	}

	signals := NewSignalOutput()
	resp, err := c.Snapshot(context.Background(), SnapshotArgs{SignalOutput: signals})
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if resp != "resp" {
		t.Errorf("Expected resp, got %q", resp)
	}
	if signals.Len() != 1 || signals.Slot(0) == nil {
		t.Errorf("Expected one signal output slot, got %d", signals.Len())
	}
}

func TestLoadTwice(t *testing.T) {
	c := newTestClient(t, &stubProgram{}, time.Second)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := c.Load(context.Background()); !shared.IsKind(err, shared.KindVM) {
		t.Errorf("Expected VM error on second load, got %v", err)
	}
}

func TestLoadFailures(t *testing.T) {
	tests := []struct {
		name    string
		program Program
	}{
		{"MissingHandle", nil},
		{"MissingInitFunction", ProgramFunc(nil)},
		{"InitError", &stubProgram{initErr: errors.New("bad bytecode")}},
		{"InitPanic", ProgramFunc(func(string, CapabilityCallback, InitOptions) (SyncSnapshotFunc, error) {
			panic("boom")
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.program, time.Second)
			err := c.Load(context.Background())
			var vmErr *shared.VMError
			if !errors.As(err, &vmErr) {
				t.Fatalf("Expected VMError, got %v", err)
			}
			if vmErr.Operation != "load" {
				t.Errorf("Expected load operation, got %q", vmErr.Operation)
			}
			if c.State() != StateTerminal {
				t.Errorf("Expected Terminal after failed load, got %v", c.State())
			}
			if _, err := c.Snapshot(context.Background(), SnapshotArgs{}); !errors.Is(err, ErrTerminal) {
				t.Errorf("Expected terminal error after failed load, got %v", err)
			}
		})
	}
}

func TestOperationBeforeLoad(t *testing.T) {
	c := newTestClient(t, &stubProgram{}, time.Second)
	_, err := c.Snapshot(context.Background(), SnapshotArgs{})
	var vmErr *shared.VMError
	if !errors.As(err, &vmErr) {
		t.Fatalf("Expected VMError, got %v", err)
	}
	if vmErr.State != StateUninitialized.String() {
		t.Errorf("Expected Uninitialized state in error, got %q", vmErr.State)
	}
}

func TestSnapshotTimeoutWithoutCapabilities(t *testing.T) {
	var calls atomic.Int32
	program := &stubProgram{caps: respondingCaps("resp", &calls)}
	timeout := 150 * time.Millisecond
	c := newTestClient(t, program, timeout)

	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	start := time.Now()
	_, err := c.Snapshot(context.Background(), SnapshotArgs{})
	elapsed := time.Since(start)

	var timeoutErr *shared.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected TimeoutError, got %v", err)
	}
	if timeoutErr.Timeout != timeout {
		t.Errorf("Expected timeout %v in error, got %v", timeout, timeoutErr.Timeout)
	}
	if elapsed < timeout || elapsed > timeout+time.Second {
		t.Errorf("Expected rejection after ~%v, took %v", timeout, elapsed)
	}
	if c.State() != StateLoading {
		t.Errorf("Expected client to stay Loading after timeout, got %v", c.State())
	}

	// The timeout must not corrupt the client
	program.fire()
	resp, err := c.Snapshot(context.Background(), SnapshotArgs{})
	if err != nil {
		t.Fatalf("Snapshot after capability delivery failed: %v", err)
	}
	if resp != "resp" || calls.Load() != 1 {
		t.Errorf("Expected one successful snapshot, got %q after %d calls", resp, calls.Load())
	}
}

func TestTimeoutReportsCallerDeadline(t *testing.T) {
	program := &stubProgram{caps: respondingCaps("resp", nil)}
	c := newTestClient(t, program, time.Second)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	callerDeadline := 50 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), callerDeadline)
	defer cancel()

	start := time.Now()
	_, err := c.Snapshot(ctx, SnapshotArgs{})
	elapsed := time.Since(start)

	var timeoutErr *shared.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected TimeoutError, got %v", err)
	}
	if timeoutErr.Timeout > callerDeadline || timeoutErr.Timeout <= 0 {
		t.Errorf("Expected the caller's deadline (<= %v) in error, got %v", callerDeadline, timeoutErr.Timeout)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Expected rejection at the caller's deadline, took %v", elapsed)
	}

	expired, cancelExpired := context.WithTimeout(context.Background(), -time.Second)
	defer cancelExpired()
	err = c.PassEvent(expired, nil)
	if !errors.As(err, &timeoutErr) || timeoutErr.Timeout != 0 {
		t.Errorf("Expected zero budget for an expired caller deadline, got %v", err)
	}
}

func TestSnapshotTimeoutWhenCapabilityNeverResponds(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	program := &stubProgram{deliverOnInit: true, caps: Capabilities{
		AsyncSnapshot: func(args SnapshotArgs, respond func(string)) error {
			<-release
			return nil
		},
	}}
	c := newTestClient(t, program, 100*time.Millisecond)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if _, err := c.Snapshot(context.Background(), SnapshotArgs{}); !shared.IsKind(err, shared.KindTimeout) {
		t.Errorf("Expected timeout error, got %v", err)
	}
	if c.State() != StateReady {
		t.Errorf("Expected Ready after timeout, got %v", c.State())
	}
}

func TestConcurrentSnapshotsBeforeDelivery(t *testing.T) {
	var calls atomic.Int32
	program := &stubProgram{caps: respondingCaps("resp", &calls)}
	c := newTestClient(t, program, 2*time.Second)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	const waiters = 2
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.Snapshot(context.Background(), SnapshotArgs{})
			if err == nil && resp != "resp" {
				err = errors.New("unexpected response " + resp)
			}
			errs <- err
		}()
	}

	// Let both callers start waiting before the program delivers
	time.Sleep(50 * time.Millisecond)
	program.fire()

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Concurrent snapshot failed: %v", err)
		}
	}
	if calls.Load() != waiters {
		t.Errorf("Expected %d snapshot invocations, got %d", waiters, calls.Load())
	}
	if c.State() != StateReady {
		t.Errorf("Expected Ready, got %v", c.State())
	}
}

func TestRepeatedDeliveryIgnored(t *testing.T) {
	program := &stubProgram{caps: respondingCaps("first", nil), deliverOnInit: true}
	c := newTestClient(t, program, time.Second)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	program.caps = respondingCaps("second", nil)
	program.fire()

	resp, err := c.Snapshot(context.Background(), SnapshotArgs{})
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if resp != "first" {
		t.Errorf("Expected capabilities from first delivery, got %q", resp)
	}
}

func TestMissingCapabilities(t *testing.T) {
	program := &stubProgram{deliverOnInit: true}
	c := newTestClient(t, program, time.Second)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	ctx := context.Background()
	if _, err := c.Snapshot(ctx, SnapshotArgs{}); !shared.IsKind(err, shared.KindVM) {
		t.Errorf("Snapshot: expected VM error, got %v", err)
	}
	if err := c.PassEvent(ctx, "evt"); !shared.IsKind(err, shared.KindVM) {
		t.Errorf("PassEvent: expected VM error, got %v", err)
	}
	if err := c.CheckCamera(ctx, nil); !shared.IsKind(err, shared.KindVM) {
		t.Errorf("CheckCamera: expected VM error, got %v", err)
	}
	if c.State() != StateReady {
		t.Errorf("Missing capabilities must not change state, got %v", c.State())
	}
}

func TestEvents(t *testing.T) {
	var passed, checked atomic.Value
	program := &stubProgram{deliverOnInit: true, caps: Capabilities{
		PassEvent:   func(args any) error { passed.Store(args); return nil },
		CheckCamera: func(args any) error { checked.Store(args); return errors.New("no camera") },
	}}
	c := newTestClient(t, program, time.Second)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := c.PassEvent(context.Background(), "click"); err != nil {
		t.Fatalf("PassEvent failed: %v", err)
	}
	if passed.Load() != "click" {
		t.Errorf("Expected click to be passed, got %v", passed.Load())
	}

	err := c.CheckCamera(context.Background(), 7)
	if !shared.IsKind(err, shared.KindVM) {
		t.Errorf("Expected VM error from failing capability, got %v", err)
	}
	if checked.Load() != 7 {
		t.Errorf("Expected 7 to be passed, got %v", checked.Load())
	}
}

func TestShutdown(t *testing.T) {
	var calls, shutdowns atomic.Int32
	caps := respondingCaps("resp", &calls)
	caps.Shutdown = func() error { shutdowns.Add(1); return nil }
	program := &stubProgram{caps: caps, deliverOnInit: true}
	c := newTestClient(t, program, time.Second)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if c.State() != StateTerminal {
		t.Fatalf("Expected Terminal, got %v", c.State())
	}
	if shutdowns.Load() != 1 {
		t.Errorf("Expected one shutdown invocation, got %d", shutdowns.Load())
	}

	start := time.Now()
	_, err := c.Snapshot(context.Background(), SnapshotArgs{})
	if !errors.Is(err, ErrTerminal) {
		t.Errorf("Expected terminal error, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Terminal rejection should be immediate")
	}
	if calls.Load() != 0 {
		t.Errorf("No capability may be invoked after shutdown, got %d calls", calls.Load())
	}
	if err := c.PassEvent(context.Background(), nil); !errors.Is(err, ErrTerminal) {
		t.Errorf("Expected terminal error from PassEvent, got %v", err)
	}
	if err := c.Shutdown(context.Background()); !errors.Is(err, ErrTerminal) {
		t.Errorf("Expected terminal error from second shutdown, got %v", err)
	}
}

func TestShutdownReleasesPendingWaiters(t *testing.T) {
	program := &stubProgram{caps: respondingCaps("resp", nil)}
	c := newTestClient(t, program, 2*time.Second)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := c.Snapshot(context.Background(), SnapshotArgs{})
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- c.Shutdown(context.Background()) }()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrTerminal) {
			t.Errorf("Expected pending snapshot to observe shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pending snapshot was not released by shutdown")
	}

	// Capabilities arriving late still let the program be shut down
	program.fire()
	if err := <-shutdownDone; err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
	if c.State() != StateTerminal {
		t.Errorf("Expected Terminal, got %v", c.State())
	}
}

func TestShutdownWithoutCapability(t *testing.T) {
	program := &stubProgram{deliverOnInit: true}
	c := newTestClient(t, program, time.Second)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := c.Shutdown(context.Background()); !shared.IsKind(err, shared.KindVM) {
		t.Errorf("Expected VM error, got %v", err)
	}
	if c.State() != StateTerminal {
		t.Errorf("Expected Terminal even when shutdown capability is missing, got %v", c.State())
	}
}

func TestInvoke(t *testing.T) {
	t.Run("Available", func(t *testing.T) {
		program := &stubProgram{syncFn: func(args SnapshotArgs) (string, error) {
			return "sync-" + args.ContentBinding["c"].(string), nil
		}}
		c := newTestClient(t, program, time.Second)
		if err := c.Load(context.Background()); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		resp, err := c.Invoke(context.Background(), SnapshotArgs{ContentBinding: ContentBinding{"c": "x"}})
		if err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
		if resp != "sync-x" {
			t.Errorf("Expected sync-x, got %q", resp)
		}
	})

	t.Run("Unavailable", func(t *testing.T) {
		c := newTestClient(t, &stubProgram{}, time.Second)
		if err := c.Load(context.Background()); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		start := time.Now()
		if _, err := c.Invoke(context.Background(), SnapshotArgs{}); !shared.IsKind(err, shared.KindVM) {
			t.Errorf("Expected VM error, got %v", err)
		}
		if time.Since(start) > 100*time.Millisecond {
			t.Error("Unavailable sync snapshot should fail immediately")
		}
	})
}

func TestStateString(t *testing.T) {
	names := map[State]string{
		StateUninitialized: "Uninitialized",
		StateLoading:       "Loading",
		StateReady:         "Ready",
		StateShuttingDown:  "ShuttingDown",
		StateTerminal:      "Terminal",
		State(42):          "Unknown",
	}
	for state, name := range names {
		if state.String() != name {
			t.Errorf("Expected %q, got %q", name, state.String())
		}
	}
}
