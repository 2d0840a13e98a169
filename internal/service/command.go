package service

import (
	"context"
	"encoding/json"

	"github.com/vjoke/chat-service/internal/errs"
	"github.com/vjoke/chat-service/internal/state"
)

// The fixed command surface. Names are part of the wire contract.
const (
	CmdDirectAddToList        = "directAddToList"
	CmdDirectGetAccessList    = "directGetAccessList"
	CmdDirectGetWhitelistMode = "directGetWhitelistMode"
	CmdDirectMessage          = "directMessage"
	CmdDirectRemoveFromList   = "directRemoveFromList"
	CmdDirectSetWhitelistMode = "directSetWhitelistMode"
	CmdDisconnect             = "disconnect"
	CmdListOwnSockets         = "listOwnSockets"
	CmdRoomAddToList          = "roomAddToList"
	CmdRoomCreate             = "roomCreate"
	CmdRoomDelete             = "roomDelete"
	CmdRoomGetAccessList      = "roomGetAccessList"
	CmdRoomGetOwner           = "roomGetOwner"
	CmdRoomGetWhitelistMode   = "roomGetWhitelistMode"
	CmdRoomHistoryGet         = "roomHistoryGet"
	CmdRoomHistoryInfo        = "roomHistoryInfo"
	CmdRoomJoin               = "roomJoin"
	CmdRoomLeave              = "roomLeave"
	CmdRoomMessage            = "roomMessage"
	CmdRoomRecentHistory      = "roomRecentHistory"
	CmdRoomSetWhitelistMode   = "roomSetWhitelistMode"
	CmdRoomRemoveFromList     = "roomRemoveFromList"
	CmdRoomUserSeen           = "roomUserSeen"
	CmdSystemMessage          = "systemMessage"
)

// Context identifies the actor of a command. BypassPermissions marks
// server-issued invocations exempt from access checks and feature gates.
type Context struct {
	UserName          string
	SocketID          string
	BypassPermissions bool
}

type handler func(ctx context.Context, who Context, args []any) (any, error)

func (s *Service) registerCommands() {
	s.handlers = map[string]handler{
		CmdDirectAddToList:        s.directAddToList,
		CmdDirectGetAccessList:    s.directGetAccessList,
		CmdDirectGetWhitelistMode: s.directGetWhitelistMode,
		CmdDirectMessage:          s.directMessage,
		CmdDirectRemoveFromList:   s.directRemoveFromList,
		CmdDirectSetWhitelistMode: s.directSetWhitelistMode,
		CmdDisconnect:             s.disconnect,
		CmdListOwnSockets:         s.listOwnSockets,
		CmdRoomAddToList:          s.roomAddToList,
		CmdRoomCreate:             s.roomCreate,
		CmdRoomDelete:             s.roomDelete,
		CmdRoomGetAccessList:      s.roomGetAccessList,
		CmdRoomGetOwner:           s.roomGetOwner,
		CmdRoomGetWhitelistMode:   s.roomGetWhitelistMode,
		CmdRoomHistoryGet:         s.roomHistoryGet,
		CmdRoomHistoryInfo:        s.roomHistoryInfo,
		CmdRoomJoin:               s.roomJoin,
		CmdRoomLeave:              s.roomLeave,
		CmdRoomMessage:            s.roomMessage,
		CmdRoomRecentHistory:      s.roomRecentHistory,
		CmdRoomSetWhitelistMode:   s.roomSetWhitelistMode,
		CmdRoomRemoveFromList:     s.roomRemoveFromList,
		CmdRoomUserSeen:           s.roomUserSeen,
		CmdSystemMessage:          s.systemMessage,
	}
}

// Exec runs one command through the dispatch pipeline: validate, then hand
// off to the handler, which authorizes, locks, mutates and broadcasts.
// In-flight commands are counted so Close can drain them.
func (s *Service) Exec(ctx context.Context, who Context, name string, args ...any) (any, error) {
	if who.UserName == "" {
		return nil, errs.Validationf("%s: missing user name", name)
	}
	if err := s.enterCommand(); err != nil {
		return nil, err
	}
	defer s.leaveCommand()

	normalized, err := s.validator.Check(name, args)
	if err != nil {
		return nil, err
	}
	h := s.handlers[name]
	s.log.Debug("command", "name", name, "user", who.UserName, "socket", who.SocketID)
	return h(ctx, who, normalized)
}

func (s *Service) enterCommand() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.Unavailablef("service is closed")
	}
	s.running.Add(1)
	return nil
}

func (s *Service) leaveCommand() {
	s.running.Done()
}

// Feature gates deny with an authorization error; bypass contexts are exempt.
func (s *Service) requireFeature(who Context, enabled bool, feature string) error {
	if enabled || who.BypassPermissions {
		return nil
	}
	return errs.Authorizationf("%s is disabled", feature)
}

// checkRoomAccess evaluates the room join policy for a user: blacklisted
// users are denied, and in whitelist-only mode only whitelisted users pass.
// The owner and bypass contexts always pass.
func (s *Service) checkRoomAccess(ctx context.Context, room string, meta state.RoomMeta, who Context) error {
	if who.BypassPermissions || who.UserName == meta.Owner {
		return nil
	}
	blacklist, err := s.store.RoomList(ctx, room, state.Blacklist)
	if err != nil {
		return err
	}
	if contains(blacklist, who.UserName) {
		return errs.Authorizationf("user %q is blacklisted in room %q", who.UserName, room)
	}
	if meta.WhitelistOnly {
		whitelist, err := s.store.RoomList(ctx, room, state.Whitelist)
		if err != nil {
			return err
		}
		if !contains(whitelist, who.UserName) {
			return errs.Authorizationf("room %q admits whitelisted users only", room)
		}
	}
	return nil
}

// requireRoomAdmin gates access-list and mode management to the room owner.
func (s *Service) requireRoomAdmin(ctx context.Context, room string, who Context) (state.RoomMeta, error) {
	meta, err := s.store.RoomMeta(ctx, room)
	if err != nil {
		return state.RoomMeta{}, err
	}
	if who.BypassPermissions || who.UserName == meta.Owner {
		return meta, nil
	}
	return state.RoomMeta{}, errs.Authorizationf("user %q does not own room %q", who.UserName, room)
}

// requireJoined gates message and history commands to current room members.
func (s *Service) requireJoined(ctx context.Context, room string, who Context) error {
	if who.BypassPermissions {
		exists, err := s.store.RoomExists(ctx, room)
		if err != nil {
			return err
		}
		if !exists {
			return errs.NotFoundf("room %q does not exist", room)
		}
		return nil
	}
	sockets, err := s.store.RoomUserSockets(ctx, room, who.UserName)
	if err != nil {
		return err
	}
	if len(sockets) == 0 {
		return errs.Authorizationf("user %q has not joined room %q", who.UserName, room)
	}
	return nil
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func rawPayload(v any) json.RawMessage {
	raw, _ := v.(json.RawMessage)
	return raw
}
