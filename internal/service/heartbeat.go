package service

import (
	"context"

	"github.com/vjoke/chat-service/internal/state"
)

// heartbeatLoop periodically refreshes this instance's liveness timestamp
// and sweeps instances whose heartbeat went stale. Runs until ctx is
// canceled.
func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := s.clock.Ticker(s.cfg.HeartbeatRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beat(ctx)
			s.sweepStaleInstances(ctx)
		}
	}
}

func (s *Service) beat(ctx context.Context) {
	if err := s.store.SetHeartbeat(ctx, s.instanceUID, s.clock.Now()); err != nil {
		s.storeFault(err, OpInfo{OpType: "heartbeat"})
	}
}

// sweepStaleInstances cleans up after crashed instances: every socket the
// dead instance housed goes through the normal disconnect path, then the
// instance record is dropped. Each stale instance is claimed under its
// instance lock with zero wait; a busy lock means another instance is
// already sweeping it.
func (s *Service) sweepStaleInstances(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.cfg.HeartbeatTimeout)
	stale, err := s.store.StaleInstances(ctx, cutoff)
	if err != nil {
		s.storeFault(err, OpInfo{OpType: "heartbeatSweep"})
		return
	}
	for _, uid := range stale {
		if uid == s.instanceUID {
			continue
		}
		s.sweepInstance(ctx, uid)
	}
}

func (s *Service) sweepInstance(ctx context.Context, uid string) {
	token, err := s.sweepLocks.Acquire(ctx, state.InstanceKey(uid))
	if err != nil {
		// Busy or unavailable: leave it to whoever holds the claim.
		s.log.Debug("stale instance claim skipped", "instance", uid, "err", err)
		return
	}
	defer s.sweepLocks.Release(context.WithoutCancel(ctx), state.InstanceKey(uid), token)

	refs, err := s.store.InstanceSockets(ctx, uid)
	if err != nil {
		s.storeFault(err, OpInfo{OpType: "heartbeatSweep"})
		return
	}
	s.log.Warn("cleaning up stale instance", "instance", uid, "sockets", len(refs))
	for _, ref := range refs {
		if err := s.removeSocket(ctx, ref.UserName, ref.SocketID); err != nil {
			s.storeFault(err, OpInfo{OpType: "heartbeatSweep",
				UserName: ref.UserName, SocketID: ref.SocketID})
		}
	}
	if err := s.store.RemoveInstance(ctx, uid); err != nil {
		s.storeFault(err, OpInfo{OpType: "heartbeatSweep"})
	}
}
