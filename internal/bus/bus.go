// Package bus is the instance-to-instance control channel. Two events ride
// it: a socket leaving a room on some instance, and a cluster-wide forced
// disconnect of a user's sockets. Delivery is best-effort acknowledged: a
// publish that nobody confirms within the ack timeout fails with an
// unavailable error instead of retrying forever. Handlers must be
// idempotent; the same event may arrive more than once.
package bus

import "context"

const (
	// EventRoomLeaveSocket asks the instance housing the socket to leave
	// its transport channel for the room.
	EventRoomLeaveSocket = "roomLeaveSocket"
	// EventDisconnectUserSockets asks every instance to drop all sockets
	// of the user.
	EventDisconnectUserSockets = "disconnectUserSockets"
	// EventSocketRoomLeft confirms a completed roomLeaveSocket, for
	// observers.
	EventSocketRoomLeft = "socketRoomLeft"
)

type Event struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	Sender   string `json:"sender"`
	ReplyTo  string `json:"replyTo,omitempty"`
	UserName string `json:"userName,omitempty"`
	RoomName string `json:"roomName,omitempty"`
	SocketID string `json:"socketId,omitempty"`
}

type Handler func(ctx context.Context, ev Event)

type Bus interface {
	// Subscribe registers a handler for an event name. All subscriptions
	// must be in place before Listen.
	Subscribe(name string, h Handler)
	// Publish delivers ev to every instance and blocks until one
	// subscriber acknowledges or the ack timeout lapses.
	Publish(ctx context.Context, ev Event) error
	// Listen starts consuming events until ctx is canceled.
	Listen(ctx context.Context) error
	Close() error
}
