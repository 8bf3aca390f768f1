package eventbus

import "sync"

var (
	defaultMu  sync.Mutex
	defaultBus *Bus
)

// Default returns the process-wide bus, constructing it on first use.
// Options are only honored by the call that constructs the instance; later
// calls return the existing bus unchanged.
func Default(opts ...Option) *Bus {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultBus == nil {
		defaultBus = New(opts...)
	}
	return defaultBus
}

// ResetDefault tears down the process-wide bus so the next Default call
// constructs fresh state. Meant for test isolation.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultBus != nil {
		defaultBus.Close()
		defaultBus = nil
	}
}
