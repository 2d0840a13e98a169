package state

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vjoke/chat-service/internal/errs"
)

func bg() context.Context { return context.Background() }

func payload(t *testing.T, text string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]string{"textMessage": text})
	require.NoError(t, err)
	return b
}

// storeHarness is one backend under the shared contract. advance moves every
// clock the backend reads, wall time and lock deadlines both.
type storeHarness struct {
	store   Store
	advance func(d time.Duration)
}

// runStoreContract exercises the Store behavior every backend must share.
// Each subtest gets a fresh harness.
func runStoreContract(t *testing.T, open func(t *testing.T) *storeHarness) {
	// -------------------------------------------------------------------
	// Rooms
	// -------------------------------------------------------------------

	t.Run("CreateRoom_Duplicate", func(t *testing.T) {
		s := open(t).store
		require.NoError(t, s.CreateRoom(bg(), "lobby", RoomMeta{Owner: "alice", HistoryLimit: 10}))
		err := s.CreateRoom(bg(), "lobby", RoomMeta{})
		require.True(t, errs.HasCode(err, errs.Conflict))
	})

	t.Run("RoomMeta_NotFound", func(t *testing.T) {
		s := open(t).store
		_, err := s.RoomMeta(bg(), "nope")
		require.True(t, errs.HasCode(err, errs.NotFound))
	})

	t.Run("RemoveRoom", func(t *testing.T) {
		s := open(t).store
		require.NoError(t, s.CreateRoom(bg(), "lobby", RoomMeta{}))
		require.NoError(t, s.RemoveRoom(bg(), "lobby"))
		ok, err := s.RoomExists(bg(), "lobby")
		require.NoError(t, err)
		require.False(t, ok)
		require.True(t, errs.HasCode(s.RemoveRoom(bg(), "lobby"), errs.NotFound))
	})

	t.Run("RoomLists_Disjoint", func(t *testing.T) {
		s := open(t).store
		require.NoError(t, s.CreateRoom(bg(), "lobby", RoomMeta{}))

		require.NoError(t, s.RoomListAdd(bg(), "lobby", Whitelist, []string{"bob", "carol"}))
		require.NoError(t, s.RoomListAdd(bg(), "lobby", Blacklist, []string{"bob"}))

		wl, err := s.RoomList(bg(), "lobby", Whitelist)
		require.NoError(t, err)
		require.Equal(t, []string{"carol"}, wl)

		bl, err := s.RoomList(bg(), "lobby", Blacklist)
		require.NoError(t, err)
		require.Equal(t, []string{"bob"}, bl)

		// Moving back removes from the blacklist again.
		require.NoError(t, s.RoomListAdd(bg(), "lobby", Whitelist, []string{"bob"}))
		bl, err = s.RoomList(bg(), "lobby", Blacklist)
		require.NoError(t, err)
		require.Empty(t, bl)
	})

	t.Run("SetWhitelistMode", func(t *testing.T) {
		s := open(t).store
		require.NoError(t, s.CreateRoom(bg(), "lobby", RoomMeta{}))
		require.NoError(t, s.SetWhitelistMode(bg(), "lobby", true))
		meta, err := s.RoomMeta(bg(), "lobby")
		require.NoError(t, err)
		require.True(t, meta.WhitelistOnly)
	})

	// -------------------------------------------------------------------
	// Membership
	// -------------------------------------------------------------------

	t.Run("RoomSockets_CountAndSeen", func(t *testing.T) {
		h := open(t)
		s := h.store
		require.NoError(t, s.CreateRoom(bg(), "lobby", RoomMeta{}))

		n, err := s.RoomAddSocket(bg(), "lobby", "alice", "s1")
		require.NoError(t, err)
		require.Equal(t, 1, n)
		n, err = s.RoomAddSocket(bg(), "lobby", "alice", "s2")
		require.NoError(t, err)
		require.Equal(t, 2, n)

		users, err := s.RoomUsers(bg(), "lobby")
		require.NoError(t, err)
		require.Equal(t, []string{"alice"}, users)

		seen, err := s.RoomUserSeen(bg(), "lobby", "alice")
		require.NoError(t, err)
		require.True(t, seen.Joined)

		h.advance(time.Second)
		n, err = s.RoomRemoveSocket(bg(), "lobby", "alice", "s1")
		require.NoError(t, err)
		require.Equal(t, 1, n)
		n, err = s.RoomRemoveSocket(bg(), "lobby", "alice", "s2")
		require.NoError(t, err)
		require.Equal(t, 0, n)

		seen, err = s.RoomUserSeen(bg(), "lobby", "alice")
		require.NoError(t, err)
		require.False(t, seen.Joined)
		require.NotZero(t, seen.Timestamp)

		users, err = s.RoomUsers(bg(), "lobby")
		require.NoError(t, err)
		require.Empty(t, users)
	})

	// -------------------------------------------------------------------
	// History
	// -------------------------------------------------------------------

	t.Run("HistoryAppend_SequenceAndEviction", func(t *testing.T) {
		s := open(t).store
		require.NoError(t, s.CreateRoom(bg(), "lobby", RoomMeta{HistoryLimit: 3}))

		for i := 0; i < 5; i++ {
			msg, err := s.HistoryAppend(bg(), "lobby", "alice", payload(t, "hi"))
			require.NoError(t, err)
			require.Equal(t, uint64(i+1), msg.ID)
		}

		info, err := s.HistoryInfo(bg(), "lobby")
		require.NoError(t, err)
		require.Equal(t, 3, info.Size)
		require.Equal(t, uint64(5), info.LastID)

		// Oldest two were evicted; ids 3..5 remain in order.
		msgs, err := s.HistoryGet(bg(), "lobby", 0, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		require.Equal(t, uint64(3), msgs[0].ID)
		require.Equal(t, uint64(5), msgs[2].ID)
	})

	t.Run("HistoryGet_Paging", func(t *testing.T) {
		s := open(t).store
		require.NoError(t, s.CreateRoom(bg(), "lobby", RoomMeta{HistoryLimit: 100}))
		for i := 0; i < 10; i++ {
			_, err := s.HistoryAppend(bg(), "lobby", "alice", payload(t, "m"))
			require.NoError(t, err)
		}

		msgs, err := s.HistoryGet(bg(), "lobby", 4, 3)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		require.Equal(t, uint64(5), msgs[0].ID)
		require.Equal(t, uint64(7), msgs[2].ID)

		msgs, err = s.HistoryGet(bg(), "lobby", 10, 3)
		require.NoError(t, err)
		require.Empty(t, msgs)
	})

	t.Run("HistoryLast_NewestFirst", func(t *testing.T) {
		s := open(t).store
		require.NoError(t, s.CreateRoom(bg(), "lobby", RoomMeta{HistoryLimit: 100}))
		for i := 0; i < 5; i++ {
			_, err := s.HistoryAppend(bg(), "lobby", "alice", payload(t, "m"))
			require.NoError(t, err)
		}
		msgs, err := s.HistoryLast(bg(), "lobby", 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		require.Equal(t, uint64(5), msgs[0].ID)
		require.Equal(t, uint64(4), msgs[1].ID)
	})

	t.Run("HistoryAppend_ZeroRetention", func(t *testing.T) {
		s := open(t).store
		require.NoError(t, s.CreateRoom(bg(), "lobby", RoomMeta{HistoryLimit: 0}))
		msg, err := s.HistoryAppend(bg(), "lobby", "alice", payload(t, "m"))
		require.NoError(t, err)
		require.Equal(t, uint64(1), msg.ID)
		info, err := s.HistoryInfo(bg(), "lobby")
		require.NoError(t, err)
		require.Zero(t, info.Size)
		require.Equal(t, uint64(1), info.LastID)
	})

	// -------------------------------------------------------------------
	// Users
	// -------------------------------------------------------------------

	t.Run("UserSockets_ImplicitCreation", func(t *testing.T) {
		s := open(t).store

		n, err := s.UserAddSocket(bg(), "alice", "s1", "inst-1")
		require.NoError(t, err)
		require.Equal(t, 1, n)

		ok, err := s.UserExists(bg(), "alice")
		require.NoError(t, err)
		require.True(t, ok)

		sockets, err := s.UserSockets(bg(), "alice")
		require.NoError(t, err)
		require.Equal(t, map[string]string{"s1": "inst-1"}, sockets)

		n, err = s.UserRemoveSocket(bg(), "alice", "s1")
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("UserRooms", func(t *testing.T) {
		s := open(t).store
		require.NoError(t, s.AddUser(bg(), "alice"))
		require.NoError(t, s.UserJoinRoom(bg(), "alice", "lobby"))
		require.NoError(t, s.UserJoinRoom(bg(), "alice", "dev"))

		rooms, err := s.UserRooms(bg(), "alice")
		require.NoError(t, err)
		require.Equal(t, []string{"dev", "lobby"}, rooms)

		require.NoError(t, s.UserLeaveRoom(bg(), "alice", "dev"))
		rooms, err = s.UserRooms(bg(), "alice")
		require.NoError(t, err)
		require.Equal(t, []string{"lobby"}, rooms)
	})

	t.Run("UserLists_Disjoint", func(t *testing.T) {
		s := open(t).store
		require.NoError(t, s.AddUser(bg(), "alice"))
		require.NoError(t, s.UserListAdd(bg(), "alice", Blacklist, []string{"mallory"}))
		require.NoError(t, s.UserListAdd(bg(), "alice", Whitelist, []string{"mallory"}))

		bl, err := s.UserList(bg(), "alice", Blacklist)
		require.NoError(t, err)
		require.Empty(t, bl)
		wl, err := s.UserList(bg(), "alice", Whitelist)
		require.NoError(t, err)
		require.Equal(t, []string{"mallory"}, wl)
	})

	t.Run("UserOps_NotFound", func(t *testing.T) {
		s := open(t).store
		_, err := s.UserSockets(bg(), "ghost")
		require.True(t, errs.HasCode(err, errs.NotFound))
		_, err = s.UserRooms(bg(), "ghost")
		require.True(t, errs.HasCode(err, errs.NotFound))
	})

	// -------------------------------------------------------------------
	// Locks
	// -------------------------------------------------------------------

	t.Run("TryAcquireLock_Exclusive", func(t *testing.T) {
		s := open(t).store

		ok, evicted, err := s.TryAcquireLock(bg(), "room:lobby", "t1", time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		require.Empty(t, evicted)

		ok, _, err = s.TryAcquireLock(bg(), "room:lobby", "t2", time.Second)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("TryAcquireLock_TakesOverExpired", func(t *testing.T) {
		h := open(t)
		s := h.store

		ok, _, err := s.TryAcquireLock(bg(), "room:lobby", "t1", time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		h.advance(2 * time.Second)
		ok, evicted, err := s.TryAcquireLock(bg(), "room:lobby", "t2", time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "t1", evicted)

		// The stale token no longer releases anything.
		released, err := s.ReleaseLock(bg(), "room:lobby", "t1")
		require.NoError(t, err)
		require.False(t, released)
		released, err = s.ReleaseLock(bg(), "room:lobby", "t2")
		require.NoError(t, err)
		require.True(t, released)
	})

	t.Run("ExtendLock", func(t *testing.T) {
		h := open(t)
		s := h.store

		ok, _, err := s.TryAcquireLock(bg(), "k", "t1", time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		h.advance(500 * time.Millisecond)
		extended, err := s.ExtendLock(bg(), "k", "t1", time.Second)
		require.NoError(t, err)
		require.True(t, extended)

		// Still held past the original deadline.
		h.advance(700 * time.Millisecond)
		ok, _, err = s.TryAcquireLock(bg(), "k", "t2", time.Second)
		require.NoError(t, err)
		require.False(t, ok)

		// Expired locks cannot be extended.
		h.advance(2 * time.Second)
		extended, err = s.ExtendLock(bg(), "k", "t1", time.Second)
		require.NoError(t, err)
		require.False(t, extended)
	})

	// -------------------------------------------------------------------
	// Heartbeats
	// -------------------------------------------------------------------

	t.Run("StaleInstances", func(t *testing.T) {
		s := open(t).store
		start := time.Unix(1700000000, 0)

		require.NoError(t, s.SetHeartbeat(bg(), "inst-a", start))
		require.NoError(t, s.SetHeartbeat(bg(), "inst-b", start.Add(20*time.Second)))

		stale, err := s.StaleInstances(bg(), start.Add(10*time.Second))
		require.NoError(t, err)
		require.Equal(t, []string{"inst-a"}, stale)

		require.NoError(t, s.RemoveInstance(bg(), "inst-a"))
		stale, err = s.StaleInstances(bg(), start.Add(10*time.Second))
		require.NoError(t, err)
		require.Empty(t, stale)
	})

	t.Run("InstanceSockets", func(t *testing.T) {
		s := open(t).store
		_, err := s.UserAddSocket(bg(), "alice", "s1", "inst-a")
		require.NoError(t, err)
		_, err = s.UserAddSocket(bg(), "alice", "s2", "inst-b")
		require.NoError(t, err)
		_, err = s.UserAddSocket(bg(), "bob", "s3", "inst-a")
		require.NoError(t, err)

		refs, err := s.InstanceSockets(bg(), "inst-a")
		require.NoError(t, err)
		require.Equal(t, []SocketRef{
			{UserName: "alice", SocketID: "s1"},
			{UserName: "bob", SocketID: "s3"},
		}, refs)
	})

	t.Run("ClosedStore_Unavailable", func(t *testing.T) {
		s := open(t).store
		require.NoError(t, s.Close())
		err := s.CreateRoom(bg(), "lobby", RoomMeta{})
		require.True(t, errs.HasCode(err, errs.Unavailable))
		_, _, err = s.TryAcquireLock(bg(), "k", "t", time.Second)
		require.True(t, errs.HasCode(err, errs.Unavailable))
	})
}
