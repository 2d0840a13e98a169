// Package transport is the boundary to whatever terminates client
// connections. The core addresses sockets through named channels: every
// socket is implicitly a member of the channel bearing its own id, and each
// room owns a channel. Broadcasting to a channel with no members is a no-op,
// not an error — sockets housed on other instances are simply not in this
// instance's registry.
package transport

type Transport interface {
	JoinChannel(socketID, channel string) error
	LeaveChannel(socketID, channel string) error
	Broadcast(channel, event string, payload any) error
	BroadcastAll(event string, payload any) error
	CloseSocket(socketID string) error
	Close() error
}

// RoomChannel names the transport channel carrying a room's events.
func RoomChannel(room string) string { return "room:" + room }
