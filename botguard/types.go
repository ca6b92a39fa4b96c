package botguard

import "sync"

// ContentBinding ties a snapshot to the content it is produced for, e.g.
// {"c": ..., "e": "ENGAGEMENT_TYPE_VIDEO_LIKE", "encryptedVideoId": ...}.
type ContentBinding map[string]any

// SnapshotArgs are passed through to the snapshot capability unchanged
type SnapshotArgs struct {
	ContentBinding    ContentBinding
	SignedTimestamp   any
	SignalOutput      *SignalOutput
	SkipPrivacyBuffer bool
}

// SignalFunc is a signal-output slot. Given the raw integrity token it
// returns the program's minting function for that token.
type SignalFunc func(integrityToken []byte) (any, error)

// SignalOutput collects the slots the program produces during a snapshot.
// The program may append from any goroutine.
type SignalOutput struct {
	mu    sync.Mutex
	slots []SignalFunc
}

// NewSignalOutput returns an empty slot list
func NewSignalOutput() *SignalOutput {
	return &SignalOutput{}
}

// Append adds a slot; a nil slot still occupies its index
func (s *SignalOutput) Append(fn SignalFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = append(s.slots, fn)
}

// Slot returns slot i, or nil when it is absent
func (s *SignalOutput) Slot(i int) SignalFunc {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.slots) {
		return nil
	}
	return s.slots[i]
}

// Len returns the number of slots, including nil ones
func (s *SignalOutput) Len() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// AsyncSnapshotFunc starts a snapshot and reports the attestation response
// through respond, possibly after returning.
type AsyncSnapshotFunc func(args SnapshotArgs, respond func(response string)) error

// SyncSnapshotFunc produces a snapshot directly
type SyncSnapshotFunc func(args SnapshotArgs) (string, error)

// EventFunc is the shape of the pass-event and check-camera capabilities
type EventFunc func(args any) error

// ShutdownFunc releases the program
type ShutdownFunc func() error

// Capabilities are delivered by the program once it is ready. Any of
// them may be nil.
type Capabilities struct {
	AsyncSnapshot AsyncSnapshotFunc
	Shutdown      ShutdownFunc
	PassEvent     EventFunc
	CheckCamera   EventFunc
}

// CapabilityCallback receives the program's capabilities
type CapabilityCallback func(Capabilities)

// InitOptions are forwarded to the program's init entry point
type InitOptions struct {
	Synchronous     bool
	UserInteraction any
	Stats           func(any)
	Extra           any
}

// Program is the host handle in which the interpreter was loaded. Init
// may invoke deliver at any time, including after it has returned. The
// returned SyncSnapshotFunc is optional.
type Program interface {
	Init(program string, deliver CapabilityCallback, opts InitOptions) (SyncSnapshotFunc, error)
}

// ProgramFunc adapts a function to Program. A nil ProgramFunc models a
// handle without an init entry point.
type ProgramFunc func(program string, deliver CapabilityCallback, opts InitOptions) (SyncSnapshotFunc, error)

// Init calls f
func (f ProgramFunc) Init(program string, deliver CapabilityCallback, opts InitOptions) (SyncSnapshotFunc, error) {
	return f(program, deliver, opts)
}
