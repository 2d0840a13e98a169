package service

import (
	"context"

	"github.com/vjoke/chat-service/internal/transport"
)

// RoomFailure reports one room that could not be restored during socket
// recovery.
type RoomFailure struct {
	RoomName string
	Err      error
}

// RecoverSocket re-subscribes a freshly re-established socket to the rooms
// its membership records still name. Failures are collected per room instead
// of aborting the whole reconnection, so one broken room costs only itself.
func (s *Service) RecoverSocket(ctx context.Context, userName, socketID string) ([]string, []RoomFailure, error) {
	rooms, err := s.store.UserRooms(ctx, userName)
	if err != nil {
		return nil, nil, err
	}

	var rejoined []string
	var failures []RoomFailure
	for _, room := range rooms {
		joined, err := s.store.RoomUserSockets(ctx, room, userName)
		if err != nil {
			failures = append(failures, RoomFailure{RoomName: room, Err: err})
			continue
		}
		if !contains(joined, socketID) {
			continue
		}
		if err := s.tr.JoinChannel(socketID, transport.RoomChannel(room)); err != nil {
			failures = append(failures, RoomFailure{RoomName: room, Err: err})
			continue
		}
		rejoined = append(rejoined, room)
	}
	if len(failures) > 0 {
		s.log.Warn("socket recovery incomplete", "user", userName,
			"socket", socketID, "failed", len(failures))
	}
	return rejoined, failures, nil
}
