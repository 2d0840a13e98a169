// Package state defines the store contract shared by the in-memory and redis
// backends. Every method is atomic for the single resource it touches; it is
// the dispatch pipeline's job to hold the resource lock around multi-key
// sequences.
package state

import (
	"context"
	"encoding/json"
	"time"
)

// ListName identifies a room or user access list.
type ListName string

const (
	Whitelist ListName = "whitelist"
	Blacklist ListName = "blacklist"
)

func (l ListName) Valid() bool {
	return l == Whitelist || l == Blacklist
}

// Opposite returns the complementary access list. Whitelist and blacklist
// must stay disjoint: inserting a name into one removes it from the other.
func Opposite(l ListName) ListName {
	if l == Whitelist {
		return Blacklist
	}
	return Whitelist
}

// Message is one history entry. IDs are per-room sequence numbers, strictly
// increasing and never reused within a room's lifetime.
type Message struct {
	ID        uint64          `json:"id"`
	Author    string          `json:"author,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type RoomMeta struct {
	Owner         string `json:"owner,omitempty"`
	WhitelistOnly bool   `json:"whitelistOnly"`
	HistoryLimit  int    `json:"historyLimit"`
}

type HistoryInfo struct {
	Size   int    `json:"historySize"`
	Limit  int    `json:"historyMaxSize"`
	LastID uint64 `json:"lastMessageId"`
}

// UserSeen reports whether a user currently has a socket in a room and the
// timestamp of their last join or leave there (0 if never seen).
type UserSeen struct {
	Joined    bool  `json:"joined"`
	Timestamp int64 `json:"timestamp"`
}

// SocketRef names one socket association held by an instance.
type SocketRef struct {
	UserName string
	SocketID string
}

// Lock resource keys, namespaced by kind.

func RoomKey(name string) string { return "room:" + name }

func UserKey(name string) string { return "user:" + name }

func InstanceKey(uid string) string { return "instance:" + uid }

// Store is the state backend contract. Implementations return errs-coded
// errors: NotFound for missing rooms/users, Conflict for duplicate creation
// and Unavailable for connectivity failures (surfaced, never retried
// internally).
type Store interface {
	// Rooms.
	CreateRoom(ctx context.Context, name string, meta RoomMeta) error
	RemoveRoom(ctx context.Context, name string) error
	RoomExists(ctx context.Context, name string) (bool, error)
	RoomMeta(ctx context.Context, name string) (RoomMeta, error)
	SetWhitelistMode(ctx context.Context, room string, on bool) error
	RoomList(ctx context.Context, room string, list ListName) ([]string, error)
	RoomListAdd(ctx context.Context, room string, list ListName, names []string) error
	RoomListRemove(ctx context.Context, room string, list ListName, names []string) error

	// Room membership. RoomAddSocket and RoomRemoveSocket return the
	// user's socket count in the room after the operation and refresh the
	// user's seen timestamp.
	RoomAddSocket(ctx context.Context, room, user, socketID string) (int, error)
	RoomRemoveSocket(ctx context.Context, room, user, socketID string) (int, error)
	RoomUsers(ctx context.Context, room string) ([]string, error)
	RoomUserSockets(ctx context.Context, room, user string) ([]string, error)
	RoomUserSeen(ctx context.Context, room, user string) (UserSeen, error)

	// History. HistoryAppend stamps the next sequence id and the current
	// timestamp, evicts the oldest entries beyond the room's limit and
	// returns the stamped message. HistoryGet pages forward: the oldest
	// messages with ID > afterID, ascending, at most limit (0 = no cap).
	// HistoryLast returns the most recent limit messages, newest first.
	HistoryAppend(ctx context.Context, room, author string, payload json.RawMessage) (Message, error)
	HistoryGet(ctx context.Context, room string, afterID uint64, limit int) ([]Message, error)
	HistoryLast(ctx context.Context, room string, limit int) ([]Message, error)
	HistoryInfo(ctx context.Context, room string) (HistoryInfo, error)

	// Users. UserAddSocket creates the user implicitly on first use.
	AddUser(ctx context.Context, name string) error
	RemoveUser(ctx context.Context, name string) error
	UserExists(ctx context.Context, name string) (bool, error)
	UserAddSocket(ctx context.Context, user, socketID, instanceUID string) (int, error)
	UserRemoveSocket(ctx context.Context, user, socketID string) (int, error)
	UserSockets(ctx context.Context, user string) (map[string]string, error)
	UserRooms(ctx context.Context, user string) ([]string, error)
	UserJoinRoom(ctx context.Context, user, room string) error
	UserLeaveRoom(ctx context.Context, user, room string) error
	UserList(ctx context.Context, user string, list ListName) ([]string, error)
	UserListAdd(ctx context.Context, user string, list ListName, names []string) error
	UserListRemove(ctx context.Context, user string, list ListName, names []string) error
	SetUserWhitelistMode(ctx context.Context, user string, on bool) error
	UserWhitelistMode(ctx context.Context, user string) (bool, error)

	// Lock primitives the lock manager builds on. TryAcquireLock grants
	// the key to token if it is free or its current holder has expired;
	// a takeover reports the evicted token exactly once. ReleaseLock and
	// ExtendLock are token-guarded: a stale token is a no-op false.
	TryAcquireLock(ctx context.Context, key, token string, ttl time.Duration) (acquired bool, expiredToken string, err error)
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Instance heartbeats.
	SetHeartbeat(ctx context.Context, instanceUID string, at time.Time) error
	StaleInstances(ctx context.Context, olderThan time.Time) ([]string, error)
	InstanceSockets(ctx context.Context, instanceUID string) ([]SocketRef, error)
	RemoveInstance(ctx context.Context, instanceUID string) error

	Close() error
}
