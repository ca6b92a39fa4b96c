package botguard

import "sync"

// capabilityFuture resolves once; every waiter observes the same value
type capabilityFuture struct {
	once sync.Once
	done chan struct{}
	caps Capabilities
}

func newCapabilityFuture() *capabilityFuture {
	return &capabilityFuture{done: make(chan struct{})}
}

// resolve reports whether this call was the one that resolved the future
func (f *capabilityFuture) resolve(caps Capabilities) bool {
	resolved := false
	f.once.Do(func() {
		f.caps = caps
		close(f.done)
		resolved = true
	})
	return resolved
}

// ready is closed once the future resolves
func (f *capabilityFuture) ready() <-chan struct{} {
	return f.done
}

// value must only be called after ready is closed
func (f *capabilityFuture) value() Capabilities {
	return f.caps
}

func (f *capabilityFuture) resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
