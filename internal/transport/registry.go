package transport

import (
	"sync"

	"github.com/vjoke/chat-service/internal/errs"
)

// Sink receives events delivered to one socket.
type Sink func(event string, payload any)

// ChannelRegistry is the in-process transport: a channel membership table
// delivering straight to per-socket sinks. It backs single-instance
// deployments, the websocket transport's bookkeeping and the test suites.
type ChannelRegistry struct {
	mu       sync.RWMutex
	sinks    map[string]Sink
	channels map[string]map[string]struct{} // channel → socket ids
	joined   map[string]map[string]struct{} // socket id → channels
	closed   bool
}

var _ Transport = (*ChannelRegistry)(nil)

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		sinks:    make(map[string]Sink),
		channels: make(map[string]map[string]struct{}),
		joined:   make(map[string]map[string]struct{}),
	}
}

// AddSocket registers a socket and its delivery sink. The socket joins its
// own id channel so user-targeted broadcasts reach it.
func (r *ChannelRegistry) AddSocket(socketID string, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errs.Unavailablef("transport closed")
	}
	if _, ok := r.sinks[socketID]; ok {
		return errs.Conflictf("socket %q already registered", socketID)
	}
	r.sinks[socketID] = sink
	r.joined[socketID] = make(map[string]struct{})
	r.joinLocked(socketID, socketID)
	return nil
}

// joinLocked must be called with r.mu held.
func (r *ChannelRegistry) joinLocked(socketID, channel string) {
	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]struct{})
		r.channels[channel] = members
	}
	members[socketID] = struct{}{}
	r.joined[socketID][channel] = struct{}{}
}

func (r *ChannelRegistry) JoinChannel(socketID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errs.Unavailablef("transport closed")
	}
	if _, ok := r.sinks[socketID]; !ok {
		return errs.NotFoundf("socket %q not registered", socketID)
	}
	r.joinLocked(socketID, channel)
	return nil
}

// LeaveChannel is idempotent: leaving a channel the socket is not in (or a
// socket this instance does not house) is a no-op.
func (r *ChannelRegistry) LeaveChannel(socketID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(socketID, channel)
	return nil
}

// leaveLocked must be called with r.mu held.
func (r *ChannelRegistry) leaveLocked(socketID, channel string) {
	if members, ok := r.channels[channel]; ok {
		delete(members, socketID)
		if len(members) == 0 {
			delete(r.channels, channel)
		}
	}
	if chans, ok := r.joined[socketID]; ok {
		delete(chans, channel)
	}
}

func (r *ChannelRegistry) Broadcast(channel, event string, payload any) error {
	r.mu.RLock()
	sinks := make([]Sink, 0, len(r.channels[channel]))
	for id := range r.channels[channel] {
		if sink, ok := r.sinks[id]; ok {
			sinks = append(sinks, sink)
		}
	}
	r.mu.RUnlock()

	for _, sink := range sinks {
		sink(event, payload)
	}
	return nil
}

func (r *ChannelRegistry) BroadcastAll(event string, payload any) error {
	r.mu.RLock()
	sinks := make([]Sink, 0, len(r.sinks))
	for _, sink := range r.sinks {
		sinks = append(sinks, sink)
	}
	r.mu.RUnlock()

	for _, sink := range sinks {
		sink(event, payload)
	}
	return nil
}

// CloseSocket drops the socket from every channel and forgets its sink.
// Idempotent, like LeaveChannel.
func (r *ChannelRegistry) CloseSocket(socketID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for channel := range r.joined[socketID] {
		if members, ok := r.channels[channel]; ok {
			delete(members, socketID)
			if len(members) == 0 {
				delete(r.channels, channel)
			}
		}
	}
	delete(r.joined, socketID)
	delete(r.sinks, socketID)
	return nil
}

// HasSocket reports whether this instance houses the socket.
func (r *ChannelRegistry) HasSocket(socketID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sinks[socketID]
	return ok
}

func (r *ChannelRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.sinks = make(map[string]Sink)
	r.channels = make(map[string]map[string]struct{})
	r.joined = make(map[string]map[string]struct{})
	return nil
}
