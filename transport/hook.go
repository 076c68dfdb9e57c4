package transport

import "sync"

// AuthEventSink receives session-invalidation events. The session manager
// implements it; the network layer fires it when a refresh-token exchange
// irrecoverably fails, so expired-session recovery is reachable from any
// code path, not only explicit user action.
type AuthEventSink interface {
	OnSessionInvalidated()
}

// LogoutHook is the single registration point between the network layer and
// the session manager. Exactly one sink is active at a time; registering
// replaces any prior sink.
type LogoutHook struct {
	lock sync.Mutex
	sink AuthEventSink
}

func NewLogoutHook() *LogoutHook {
	return &LogoutHook{}
}

func (h *LogoutHook) Register(sink AuthEventSink) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.sink = sink
}

// Invalidate notifies the registered sink, if any. The sink is called
// outside the hook's lock so it may re-enter the hook.
func (h *LogoutHook) Invalidate() {
	h.lock.Lock()
	sink := h.sink
	h.lock.Unlock()

	if sink != nil {
		sink.OnSessionInvalidated()
	}
}
