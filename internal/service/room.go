package service

import (
	"context"
	"fmt"

	"github.com/vjoke/chat-service/internal/bus"
	"github.com/vjoke/chat-service/internal/errs"
	"github.com/vjoke/chat-service/internal/state"
	"github.com/vjoke/chat-service/internal/transport"
)

// Server-pushed event names for room activity.
const (
	evRoomMessage           = "roomMessage"
	evRoomUserJoined        = "roomUserJoined"
	evRoomUserLeft          = "roomUserLeft"
	evRoomAccessListAdded   = "roomAccessListAdded"
	evRoomAccessListRemoved = "roomAccessListRemoved"
	evRoomModeChanged       = "roomModeChanged"
	evRoomAccessRemoved     = "roomAccessRemoved"
)

type roomUserNotice struct {
	RoomName string `json:"roomName"`
	UserName string `json:"userName"`
}

type roomMessageNotice struct {
	RoomName string        `json:"roomName"`
	Message  state.Message `json:"message"`
}

type roomListNotice struct {
	RoomName  string   `json:"roomName"`
	ListName  string   `json:"listName"`
	UserNames []string `json:"userNames"`
}

type roomModeNotice struct {
	RoomName      string `json:"roomName"`
	WhitelistOnly bool   `json:"whitelistOnly"`
}

// HistoryInfoReply extends the stored history counters with the per-query
// cap, which is service configuration rather than room state.
type HistoryInfoReply struct {
	state.HistoryInfo
	MaxGetMessages int `json:"historyMaxGetMessages"`
}

func (s *Service) roomCreate(ctx context.Context, who Context, args []any) (any, error) {
	room, whitelistOnly := args[0].(string), args[1].(bool)
	if err := s.requireFeature(who, s.cfg.EnableRoomsManagement, "rooms management"); err != nil {
		return nil, err
	}
	meta := state.RoomMeta{
		Owner:         who.UserName,
		WhitelistOnly: whitelistOnly,
		HistoryLimit:  s.cfg.DefaultHistoryLimit,
	}
	if err := s.store.CreateRoom(ctx, room, meta); err != nil {
		return nil, err
	}
	s.log.Info("room created", "room", room, "owner", who.UserName)
	return nil, nil
}

func (s *Service) roomDelete(ctx context.Context, who Context, args []any) (any, error) {
	room := args[0].(string)
	if err := s.requireFeature(who, s.cfg.EnableRoomsManagement, "rooms management"); err != nil {
		return nil, err
	}
	err := s.locks.WithLock(ctx, state.RoomKey(room), func(ctx context.Context) error {
		if _, err := s.requireRoomAdmin(ctx, room, who); err != nil {
			return err
		}
		users, err := s.store.RoomUsers(ctx, room)
		if err != nil {
			return err
		}
		s.evictFromRoom(ctx, room, users)
		return s.store.RemoveRoom(ctx, room)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("room deleted", "room", room)
	return nil, nil
}

func (s *Service) roomJoin(ctx context.Context, who Context, args []any) (any, error) {
	room := args[0].(string)
	if who.SocketID == "" {
		return nil, errs.Validationf("roomJoin requires a connected socket")
	}
	var njoined int
	err := s.locks.WithLock(ctx, state.RoomKey(room), func(ctx context.Context) error {
		meta, err := s.store.RoomMeta(ctx, room)
		if err != nil {
			return err
		}
		if err := s.checkRoomAccess(ctx, room, meta, who); err != nil {
			return err
		}
		count, err := s.store.RoomAddSocket(ctx, room, who.UserName, who.SocketID)
		if err != nil {
			return err
		}
		njoined = count
		if err := s.store.UserJoinRoom(ctx, who.UserName, room); err != nil {
			s.storeFault(err, OpInfo{OpType: CmdRoomJoin, UserName: who.UserName, RoomName: room})
		}
		if err := s.tr.JoinChannel(who.SocketID, transport.RoomChannel(room)); err != nil {
			s.transportFault(err, OpInfo{OpType: CmdRoomJoin, UserName: who.UserName,
				RoomName: room, SocketID: who.SocketID})
		}
		// Userlist notices fire on presence edges only: the user's first
		// socket in the room, or their last one out.
		if count == 1 && s.cfg.EnableUserlistUpdates {
			s.tr.Broadcast(transport.RoomChannel(room), evRoomUserJoined,
				roomUserNotice{RoomName: room, UserName: who.UserName})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return njoined, nil
}

func (s *Service) roomLeave(ctx context.Context, who Context, args []any) (any, error) {
	room := args[0].(string)
	if who.SocketID == "" {
		return nil, errs.Validationf("roomLeave requires a connected socket")
	}
	var nleft int
	err := s.locks.WithLock(ctx, state.RoomKey(room), func(ctx context.Context) error {
		count, err := s.store.RoomRemoveSocket(ctx, room, who.UserName, who.SocketID)
		if err != nil {
			return err
		}
		nleft = count
		s.detachSocketFromRoom(ctx, room, who.UserName, who.SocketID, count, CmdRoomLeave)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nleft, nil
}

// detachSocketFromRoom finishes a room exit after the membership record is
// already gone: channel leave, user-room unlink on the last socket and the
// userlist notice. Must run under the room lock.
func (s *Service) detachSocketFromRoom(ctx context.Context, room, user, socketID string, remaining int, opType string) {
	if err := s.tr.LeaveChannel(socketID, transport.RoomChannel(room)); err != nil {
		s.transportFault(err, OpInfo{OpType: opType, UserName: user, RoomName: room, SocketID: socketID})
	}
	if remaining > 0 {
		return
	}
	if err := s.store.UserLeaveRoom(ctx, user, room); err != nil {
		s.storeFault(err, OpInfo{OpType: opType, UserName: user, RoomName: room})
	}
	if s.cfg.EnableUserlistUpdates {
		s.tr.Broadcast(transport.RoomChannel(room), evRoomUserLeft,
			roomUserNotice{RoomName: room, UserName: user})
	}
}

func (s *Service) roomMessage(ctx context.Context, who Context, args []any) (any, error) {
	room, payload := args[0].(string), rawPayload(args[1])
	if err := s.requireJoined(ctx, room, who); err != nil {
		return nil, err
	}
	if s.hooks.RoomMessagesChecker != nil {
		if err := s.hooks.RoomMessagesChecker(ctx, who, room, payload); err != nil {
			return nil, errs.Authorizationf("message rejected: %v", err)
		}
	}
	var id uint64
	err := s.locks.WithLock(ctx, state.RoomKey(room), func(ctx context.Context) error {
		msg, err := s.store.HistoryAppend(ctx, room, who.UserName, payload)
		if err != nil {
			return err
		}
		id = msg.ID
		// Broadcast under the lock so channel delivery order matches
		// history order for this room.
		if err := s.tr.Broadcast(transport.RoomChannel(room), evRoomMessage,
			roomMessageNotice{RoomName: room, Message: msg}); err != nil {
			s.transportFault(err, OpInfo{OpType: CmdRoomMessage, UserName: who.UserName, RoomName: room})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return id, nil
}

func (s *Service) roomHistoryGet(ctx context.Context, who Context, args []any) (any, error) {
	room, afterID := args[0].(string), args[1].(uint64)
	if err := s.requireJoined(ctx, room, who); err != nil {
		return nil, err
	}
	return s.store.HistoryGet(ctx, room, afterID, s.cfg.HistoryMaxGetMessages)
}

func (s *Service) roomRecentHistory(ctx context.Context, who Context, args []any) (any, error) {
	room := args[0].(string)
	if err := s.requireJoined(ctx, room, who); err != nil {
		return nil, err
	}
	return s.store.HistoryLast(ctx, room, s.cfg.HistoryMaxGetMessages)
}

func (s *Service) roomHistoryInfo(ctx context.Context, who Context, args []any) (any, error) {
	room := args[0].(string)
	if err := s.requireJoined(ctx, room, who); err != nil {
		return nil, err
	}
	info, err := s.store.HistoryInfo(ctx, room)
	if err != nil {
		return nil, err
	}
	return HistoryInfoReply{HistoryInfo: info, MaxGetMessages: s.cfg.HistoryMaxGetMessages}, nil
}

func (s *Service) roomUserSeen(ctx context.Context, who Context, args []any) (any, error) {
	room, user := args[0].(string), args[1].(string)
	if err := s.requireJoined(ctx, room, who); err != nil {
		return nil, err
	}
	return s.store.RoomUserSeen(ctx, room, user)
}

func (s *Service) roomGetOwner(ctx context.Context, who Context, args []any) (any, error) {
	meta, err := s.requireRoomAdmin(ctx, args[0].(string), who)
	if err != nil {
		return nil, err
	}
	return meta.Owner, nil
}

func (s *Service) roomGetWhitelistMode(ctx context.Context, who Context, args []any) (any, error) {
	meta, err := s.requireRoomAdmin(ctx, args[0].(string), who)
	if err != nil {
		return nil, err
	}
	return meta.WhitelistOnly, nil
}

func (s *Service) roomGetAccessList(ctx context.Context, who Context, args []any) (any, error) {
	room, list := args[0].(string), args[1].(state.ListName)
	if _, err := s.requireRoomAdmin(ctx, room, who); err != nil {
		return nil, err
	}
	return s.store.RoomList(ctx, room, list)
}

func (s *Service) roomAddToList(ctx context.Context, who Context, args []any) (any, error) {
	room, list, names := args[0].(string), args[1].(state.ListName), args[2].([]string)
	err := s.locks.WithLock(ctx, state.RoomKey(room), func(ctx context.Context) error {
		meta, err := s.requireRoomAdmin(ctx, room, who)
		if err != nil {
			return err
		}
		if err := s.store.RoomListAdd(ctx, room, list, names); err != nil {
			return err
		}
		if s.cfg.EnableAccessListsUpdates {
			s.tr.Broadcast(transport.RoomChannel(room), evRoomAccessListAdded,
				roomListNotice{RoomName: room, ListName: string(list), UserNames: names})
		}
		// Blacklisting revokes access outright.
		if list == state.Blacklist {
			s.evictFromRoom(ctx, room, revocable(names, meta.Owner))
		}
		return nil
	})
	return nil, err
}

func (s *Service) roomRemoveFromList(ctx context.Context, who Context, args []any) (any, error) {
	room, list, names := args[0].(string), args[1].(state.ListName), args[2].([]string)
	err := s.locks.WithLock(ctx, state.RoomKey(room), func(ctx context.Context) error {
		meta, err := s.requireRoomAdmin(ctx, room, who)
		if err != nil {
			return err
		}
		if err := s.store.RoomListRemove(ctx, room, list, names); err != nil {
			return err
		}
		if s.cfg.EnableAccessListsUpdates {
			s.tr.Broadcast(transport.RoomChannel(room), evRoomAccessListRemoved,
				roomListNotice{RoomName: room, ListName: string(list), UserNames: names})
		}
		// Dropping a whitelist entry revokes access only in
		// whitelist-only mode.
		if list == state.Whitelist && meta.WhitelistOnly {
			s.evictFromRoom(ctx, room, revocable(names, meta.Owner))
		}
		return nil
	})
	return nil, err
}

func (s *Service) roomSetWhitelistMode(ctx context.Context, who Context, args []any) (any, error) {
	room, mode := args[0].(string), args[1].(bool)
	err := s.locks.WithLock(ctx, state.RoomKey(room), func(ctx context.Context) error {
		meta, err := s.requireRoomAdmin(ctx, room, who)
		if err != nil {
			return err
		}
		if err := s.store.SetWhitelistMode(ctx, room, mode); err != nil {
			return err
		}
		if s.cfg.EnableAccessListsUpdates {
			s.tr.Broadcast(transport.RoomChannel(room), evRoomModeChanged,
				roomModeNotice{RoomName: room, WhitelistOnly: mode})
		}
		if !mode {
			return nil
		}
		// Flipping to whitelist-only evicts every joined user who is not
		// on the whitelist.
		users, err := s.store.RoomUsers(ctx, room)
		if err != nil {
			return err
		}
		whitelist, err := s.store.RoomList(ctx, room, state.Whitelist)
		if err != nil {
			return err
		}
		var evicted []string
		for _, u := range users {
			if u != meta.Owner && !contains(whitelist, u) {
				evicted = append(evicted, u)
			}
		}
		s.evictFromRoom(ctx, room, evicted)
		return nil
	})
	return nil, err
}

// revocable filters the owner out of an eviction candidate list.
func revocable(names []string, owner string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != owner {
			out = append(out, n)
		}
	}
	return out
}

// evictFromRoom removes every socket the named users hold in the room.
// State mutations happen here for local and remote sockets alike (the store
// is shared); the transport channel leave is local for sockets this instance
// houses and travels the bus otherwise. Failures become consistency events,
// never errors: the revocation that triggered the eviction is already
// committed. Must run under the room lock.
//
// Lock ordering is user before room on the disconnect path, so the evicted
// users' locks cannot be nested inside the room lock held here. The
// user-record updates below are single atomic store operations and stay
// consistent without them.
func (s *Service) evictFromRoom(ctx context.Context, room string, users []string) {
	for _, user := range users {
		sockets, err := s.store.RoomUserSockets(ctx, room, user)
		if err != nil {
			s.storeFault(err, OpInfo{OpType: "roomEvict", UserName: user, RoomName: room})
			continue
		}
		if len(sockets) == 0 {
			continue
		}
		homes, err := s.store.UserSockets(ctx, user)
		if err != nil {
			s.storeFault(err, OpInfo{OpType: "roomEvict", UserName: user, RoomName: room})
			continue
		}
		for _, socketID := range sockets {
			remaining, err := s.store.RoomRemoveSocket(ctx, room, user, socketID)
			if err != nil {
				s.storeFault(err, OpInfo{OpType: "roomEvict", UserName: user,
					RoomName: room, SocketID: socketID})
				continue
			}
			if homes[socketID] == s.instanceUID {
				s.tr.Broadcast(socketID, evRoomAccessRemoved, roomUserNotice{RoomName: room, UserName: user})
				s.detachSocketFromRoom(ctx, room, user, socketID, remaining, "roomEvict")
				continue
			}
			// Remote socket: the housing instance leaves the channel and
			// notifies the client.
			ev := bus.Event{
				Name:     bus.EventRoomLeaveSocket,
				UserName: user,
				RoomName: room,
				SocketID: socketID,
			}
			if err := s.bus.Publish(ctx, ev); err != nil {
				s.transportFault(fmt.Errorf("evict %s from %q: %w", socketID, room, err),
					OpInfo{OpType: "roomEvict", UserName: user, RoomName: room, SocketID: socketID})
			}
			if remaining == 0 {
				if err := s.store.UserLeaveRoom(ctx, user, room); err != nil {
					s.storeFault(err, OpInfo{OpType: "roomEvict", UserName: user, RoomName: room})
				}
				if s.cfg.EnableUserlistUpdates {
					s.tr.Broadcast(transport.RoomChannel(room), evRoomUserLeft,
						roomUserNotice{RoomName: room, UserName: user})
				}
			}
		}
	}
}
