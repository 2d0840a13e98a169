package service

import (
	"context"
	"encoding/json"

	"github.com/vjoke/chat-service/internal/bus"
	"github.com/vjoke/chat-service/internal/errs"
	"github.com/vjoke/chat-service/internal/state"
	"github.com/vjoke/chat-service/internal/transport"
)

const (
	evDirectMessage     = "directMessage"
	evDirectMessageEcho = "directMessageEcho"
	evSystemMessage     = "systemMessage"
)

// DirectMessageReply is a delivered direct message. Direct messages are not
// persisted, so there is no sequence id, only the stamp.
type DirectMessageReply struct {
	Author    string          `json:"author"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func (s *Service) directMessage(ctx context.Context, who Context, args []any) (any, error) {
	to, payload := args[0].(string), rawPayload(args[1])
	if err := s.requireFeature(who, s.cfg.EnableDirectMessages, "direct messages"); err != nil {
		return nil, err
	}
	if s.hooks.DirectMessagesChecker != nil {
		if err := s.hooks.DirectMessagesChecker(ctx, who, to, payload); err != nil {
			return nil, errs.Authorizationf("message rejected: %v", err)
		}
	}

	var reply DirectMessageReply
	err := s.locks.WithLock(ctx, state.UserKey(to), func(ctx context.Context) error {
		sockets, err := s.store.UserSockets(ctx, to)
		if err != nil {
			return err
		}
		if len(sockets) == 0 {
			return errs.NotFoundf("user %q is offline", to)
		}
		if err := s.checkDirectAccess(ctx, to, who); err != nil {
			return err
		}
		reply = DirectMessageReply{
			Author:    who.UserName,
			Timestamp: s.clock.Now().UnixMilli(),
			Payload:   payload,
		}
		for socketID := range sockets {
			s.tr.Broadcast(socketID, evDirectMessage, reply)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Echo to the sender's other sockets, so every client of the sender
	// sees the conversation.
	own, err := s.store.UserSockets(ctx, who.UserName)
	if err == nil {
		for socketID := range own {
			if socketID != who.SocketID {
				s.tr.Broadcast(socketID, evDirectMessageEcho, reply)
			}
		}
	}
	return reply, nil
}

// checkDirectAccess evaluates the recipient's direct-message policy against
// the sender: blacklisted senders are denied, and in whitelist-only mode
// only whitelisted senders pass.
func (s *Service) checkDirectAccess(ctx context.Context, to string, who Context) error {
	if who.BypassPermissions {
		return nil
	}
	blacklist, err := s.store.UserList(ctx, to, state.Blacklist)
	if err != nil {
		return err
	}
	if contains(blacklist, who.UserName) {
		return errs.Authorizationf("user %q rejects messages from %q", to, who.UserName)
	}
	whitelistOnly, err := s.store.UserWhitelistMode(ctx, to)
	if err != nil {
		return err
	}
	if whitelistOnly {
		whitelist, err := s.store.UserList(ctx, to, state.Whitelist)
		if err != nil {
			return err
		}
		if !contains(whitelist, who.UserName) {
			return errs.Authorizationf("user %q accepts whitelisted senders only", to)
		}
	}
	return nil
}

func (s *Service) directAddToList(ctx context.Context, who Context, args []any) (any, error) {
	list, names := args[0].(state.ListName), args[1].([]string)
	if err := s.requireFeature(who, s.cfg.EnableDirectMessages, "direct messages"); err != nil {
		return nil, err
	}
	err := s.locks.WithLock(ctx, state.UserKey(who.UserName), func(ctx context.Context) error {
		return s.store.UserListAdd(ctx, who.UserName, list, names)
	})
	return nil, err
}

func (s *Service) directRemoveFromList(ctx context.Context, who Context, args []any) (any, error) {
	list, names := args[0].(state.ListName), args[1].([]string)
	if err := s.requireFeature(who, s.cfg.EnableDirectMessages, "direct messages"); err != nil {
		return nil, err
	}
	err := s.locks.WithLock(ctx, state.UserKey(who.UserName), func(ctx context.Context) error {
		return s.store.UserListRemove(ctx, who.UserName, list, names)
	})
	return nil, err
}

func (s *Service) directGetAccessList(ctx context.Context, who Context, args []any) (any, error) {
	if err := s.requireFeature(who, s.cfg.EnableDirectMessages, "direct messages"); err != nil {
		return nil, err
	}
	return s.store.UserList(ctx, who.UserName, args[0].(state.ListName))
}

func (s *Service) directGetWhitelistMode(ctx context.Context, who Context, args []any) (any, error) {
	if err := s.requireFeature(who, s.cfg.EnableDirectMessages, "direct messages"); err != nil {
		return nil, err
	}
	return s.store.UserWhitelistMode(ctx, who.UserName)
}

func (s *Service) directSetWhitelistMode(ctx context.Context, who Context, args []any) (any, error) {
	mode := args[0].(bool)
	if err := s.requireFeature(who, s.cfg.EnableDirectMessages, "direct messages"); err != nil {
		return nil, err
	}
	err := s.locks.WithLock(ctx, state.UserKey(who.UserName), func(ctx context.Context) error {
		return s.store.SetUserWhitelistMode(ctx, who.UserName, mode)
	})
	return nil, err
}

func (s *Service) disconnect(ctx context.Context, who Context, args []any) (any, error) {
	reason := args[0].(string)
	if who.SocketID == "" {
		return nil, errs.Validationf("disconnect requires a connected socket")
	}
	s.log.Debug("socket disconnect requested", "user", who.UserName,
		"socket", who.SocketID, "reason", reason)
	if err := s.removeSocket(ctx, who.UserName, who.SocketID); err != nil {
		return nil, err
	}
	s.tr.CloseSocket(who.SocketID)
	return nil, nil
}

// listOwnSockets maps each of the user's sockets to the rooms it is joined
// to, across all instances.
func (s *Service) listOwnSockets(ctx context.Context, who Context, args []any) (any, error) {
	sockets, err := s.store.UserSockets(ctx, who.UserName)
	if err != nil {
		return nil, err
	}
	result := make(map[string][]string, len(sockets))
	for socketID := range sockets {
		result[socketID] = []string{}
	}
	rooms, err := s.store.UserRooms(ctx, who.UserName)
	if err != nil {
		return nil, err
	}
	for _, room := range rooms {
		joined, err := s.store.RoomUserSockets(ctx, room, who.UserName)
		if err != nil {
			return nil, err
		}
		for _, socketID := range joined {
			if _, ok := result[socketID]; ok {
				result[socketID] = append(result[socketID], room)
			}
		}
	}
	return result, nil
}

func (s *Service) systemMessage(ctx context.Context, who Context, args []any) (any, error) {
	payload := rawPayload(args[0])
	if err := s.tr.BroadcastAll(evSystemMessage, DirectMessageReply{
		Author:    who.UserName,
		Timestamp: s.clock.Now().UnixMilli(),
		Payload:   payload,
	}); err != nil {
		return nil, err
	}
	return nil, nil
}

// removeSocket is the single socket teardown path, shared by the disconnect
// command, transport disconnects, cluster-wide forced logouts and the stale
// instance sweep. It leaves every room the socket was joined to, then drops
// the socket association. Per-room failures become consistency events so one
// bad room never blocks the rest of the cleanup.
func (s *Service) removeSocket(ctx context.Context, user, socketID string) error {
	return s.locks.WithLock(ctx, state.UserKey(user), func(ctx context.Context) error {
		rooms, err := s.store.UserRooms(ctx, user)
		if err != nil {
			return err
		}
		for _, room := range rooms {
			err := s.locks.WithLock(ctx, state.RoomKey(room), func(ctx context.Context) error {
				joined, err := s.store.RoomUserSockets(ctx, room, user)
				if err != nil {
					return err
				}
				if !contains(joined, socketID) {
					return nil
				}
				remaining, err := s.store.RoomRemoveSocket(ctx, room, user, socketID)
				if err != nil {
					return err
				}
				s.detachSocketFromRoom(ctx, room, user, socketID, remaining, "disconnect")
				return nil
			})
			if err != nil {
				s.storeFault(err, OpInfo{OpType: "disconnect", UserName: user,
					RoomName: room, SocketID: socketID})
			}
		}
		if _, err := s.store.UserRemoveSocket(ctx, user, socketID); err != nil {
			return err
		}
		return nil
	})
}

// handleRoomLeaveSocket serves bus eviction requests for sockets housed on
// this instance. The state mutation already happened on the publishing side;
// only the local channel membership and the client notice remain. Both are
// no-ops when the socket lives elsewhere, so the handler is idempotent.
func (s *Service) handleRoomLeaveSocket(ctx context.Context, ev bus.Event) {
	if ev.SocketID == "" || ev.RoomName == "" {
		return
	}
	if err := s.tr.LeaveChannel(ev.SocketID, transport.RoomChannel(ev.RoomName)); err != nil {
		s.transportFault(err, OpInfo{OpType: bus.EventRoomLeaveSocket,
			UserName: ev.UserName, RoomName: ev.RoomName, SocketID: ev.SocketID})
		return
	}
	s.tr.Broadcast(ev.SocketID, evRoomAccessRemoved,
		roomUserNotice{RoomName: ev.RoomName, UserName: ev.UserName})
	if err := s.bus.Publish(ctx, bus.Event{
		Name:     bus.EventSocketRoomLeft,
		UserName: ev.UserName,
		RoomName: ev.RoomName,
		SocketID: ev.SocketID,
	}); err != nil {
		s.log.Debug("socketRoomLeft publish failed", "err", err)
	}
}

// handleDisconnectUserSockets drops every socket of the user housed on this
// instance. Other instances handle their own share of the same event.
func (s *Service) handleDisconnectUserSockets(ctx context.Context, ev bus.Event) {
	if ev.UserName == "" {
		return
	}
	homes, err := s.store.UserSockets(ctx, ev.UserName)
	if err != nil {
		s.storeFault(err, OpInfo{OpType: bus.EventDisconnectUserSockets, UserName: ev.UserName})
		return
	}
	for socketID, instanceUID := range homes {
		if instanceUID != s.instanceUID {
			continue
		}
		if err := s.removeSocket(ctx, ev.UserName, socketID); err != nil {
			s.storeFault(err, OpInfo{OpType: bus.EventDisconnectUserSockets,
				UserName: ev.UserName, SocketID: socketID})
		}
		s.tr.CloseSocket(socketID)
	}
}
