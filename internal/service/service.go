// Package service is the coordination core: every client or server issued
// operation flows through its dispatch pipeline, which validates, authorizes,
// serializes mutations under per-resource distributed locks, applies them to
// the shared store and broadcasts the results. Multiple instances running
// this package against the same store behave as one chat service.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/vjoke/chat-service/internal/bus"
	"github.com/vjoke/chat-service/internal/config"
	"github.com/vjoke/chat-service/internal/errs"
	"github.com/vjoke/chat-service/internal/lock"
	"github.com/vjoke/chat-service/internal/state"
	"github.com/vjoke/chat-service/internal/transport"
)

// Hooks are the optional integration points around the service lifecycle and
// message content.
type Hooks struct {
	// OnStart runs after the bus is listening, before Ready. A non-nil
	// error aborts startup.
	OnStart func(s *Service) error
	// OnClose runs during shutdown with the drain error, if any.
	OnClose func(s *Service, err error) error
	// RoomMessagesChecker may reject a room message after authorization.
	RoomMessagesChecker func(ctx context.Context, who Context, room string, msg json.RawMessage) error
	// DirectMessagesChecker may reject a direct message after authorization.
	DirectMessagesChecker func(ctx context.Context, who Context, to string, msg json.RawMessage) error
}

type Options struct {
	Clock clock.Clock
	Hooks Hooks
	// InstanceUID overrides the generated identity, so the bus and the
	// service can share one. Leave empty outside of composition code.
	InstanceUID string
}

type Service struct {
	cfg        *config.Config
	store      state.Store
	locks      *lock.Manager
	sweepLocks *lock.Manager
	bus        bus.Bus
	tr         transport.Transport
	clock      clock.Clock
	log        *slog.Logger
	validator  *Validator
	hooks      Hooks

	instanceUID string
	handlers    map[string]handler
	events      chan Event

	running sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	cancel  context.CancelFunc
}

func New(cfg *config.Config, store state.Store, b bus.Bus, tr transport.Transport, log *slog.Logger, opts Options) *Service {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	uid := opts.InstanceUID
	if uid == "" {
		uid = uuid.NewString()
	}
	s := &Service{
		cfg:         cfg,
		store:       store,
		bus:         b,
		tr:          tr,
		clock:       clk,
		log:         log,
		validator:   NewValidator(),
		hooks:       opts.Hooks,
		instanceUID: uid,
		events:      make(chan Event, 64),
	}
	s.locks = lock.NewManager(store, clk, lock.Options{
		TTL:           cfg.LockTTL,
		WaitTimeout:   cfg.LockWaitTimeout,
		RetryInterval: cfg.LockRetryInterval,
		OnExpired:     s.onLockExpired,
	}, log)
	// Stale instance claims fail fast: a busy claim means another
	// instance is already sweeping.
	s.sweepLocks = lock.NewManager(store, clk, lock.Options{
		TTL:           cfg.LockTTL,
		WaitTimeout:   0,
		RetryInterval: cfg.LockRetryInterval,
	}, log)
	s.registerCommands()
	return s
}

func (s *Service) InstanceUID() string { return s.instanceUID }

// onLockExpired turns an observed lock takeover into a lockTimeExceeded
// event. The store reports each evicted token exactly once, so the event
// fires once per overrun tenure cluster-wide.
func (s *Service) onLockExpired(token, key string) {
	op := OpInfo{}
	switch {
	case len(key) > 5 && key[:5] == "room:":
		op.RoomName = key[5:]
	case len(key) > 5 && key[:5] == "user:":
		op.UserName = key[5:]
	}
	s.emit(Event{Kind: LockTimeExceeded, LockID: token, Op: op})
}

// Run starts the service: bus subscriptions and listen, the OnStart hook,
// the first heartbeat and the heartbeat loop. It returns once the service is
// ready; shutdown is driven by Close, not by ctx.
func (s *Service) Run(ctx context.Context) error {
	s.bus.Subscribe(bus.EventRoomLeaveSocket, s.handleRoomLeaveSocket)
	s.bus.Subscribe(bus.EventDisconnectUserSockets, s.handleDisconnectUserSockets)
	if err := s.bus.Listen(ctx); err != nil {
		return err
	}
	if s.hooks.OnStart != nil {
		if err := s.hooks.OnStart(s); err != nil {
			return err
		}
	}
	s.beat(ctx)

	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go s.heartbeatLoop(hbCtx)

	s.log.Info("service ready", "instance", s.instanceUID)
	s.emit(Event{Kind: Ready})
	return nil
}

// Close drains in-flight commands up to CloseTimeout, then tears down the
// transport, bus and store. Commands still running past the timeout are
// abandoned with an error.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	var drainErr error
	timer := s.clock.Timer(s.cfg.CloseTimeout)
	select {
	case <-done:
		timer.Stop()
	case <-timer.C:
		drainErr = errs.Unavailablef("commands still running after %s, abandoning", s.cfg.CloseTimeout)
		s.log.Error("close drain timed out")
	}

	if s.hooks.OnClose != nil {
		if err := s.hooks.OnClose(s, drainErr); err != nil {
			s.log.Warn("close hook failed", "err", err)
		}
	}

	err := errors.Join(drainErr, s.tr.Close(), s.bus.Close(), s.store.Close())
	s.emit(Event{Kind: Closed, Err: drainErr})
	s.log.Info("service closed", "instance", s.instanceUID)
	return err
}

// serverContext marks server-issued invocations, exempt from permission
// checks and feature gates.
var serverContext = Context{UserName: "server", BypassPermissions: true}

// ConnectSocket records a new socket association for the user, creating the
// user implicitly on first connection. An empty socketID gets a generated
// one. Returns the socket id in effect.
func (s *Service) ConnectSocket(ctx context.Context, userName, socketID string) (string, error) {
	if userName == "" {
		return "", errs.Validationf("missing user name")
	}
	if socketID == "" {
		socketID = uuid.NewString()
	}
	count, err := s.store.UserAddSocket(ctx, userName, socketID, s.instanceUID)
	if err != nil {
		return "", err
	}
	s.log.Debug("socket connected", "user", userName, "socket", socketID, "sockets", count)
	return socketID, nil
}

// DisconnectSocket runs the shared socket teardown path.
func (s *Service) DisconnectSocket(ctx context.Context, userName, socketID string) error {
	return s.removeSocket(ctx, userName, socketID)
}

// Server-side management API, mirroring the command surface without a client
// session.

func (s *Service) AddRoom(ctx context.Context, name string, meta state.RoomMeta) error {
	if meta.HistoryLimit <= 0 {
		meta.HistoryLimit = s.cfg.DefaultHistoryLimit
	}
	return s.store.CreateRoom(ctx, name, meta)
}

func (s *Service) DeleteRoom(ctx context.Context, name string) error {
	_, err := s.Exec(ctx, serverContext, CmdRoomDelete, name)
	return err
}

func (s *Service) HasRoom(ctx context.Context, name string) (bool, error) {
	return s.store.RoomExists(ctx, name)
}

func (s *Service) AddUser(ctx context.Context, name string) error {
	return s.store.AddUser(ctx, name)
}

func (s *Service) HasUser(ctx context.Context, name string) (bool, error) {
	return s.store.UserExists(ctx, name)
}

// DeleteUser removes an offline user's record. Online users must be
// disconnected first.
func (s *Service) DeleteUser(ctx context.Context, name string) error {
	sockets, err := s.store.UserSockets(ctx, name)
	if err != nil {
		return err
	}
	if len(sockets) > 0 {
		return errs.Conflictf("user %q is online", name)
	}
	return s.store.RemoveUser(ctx, name)
}

// DisconnectUserSockets forces a cluster-wide logout of the user: every
// instance drops its share of the user's sockets. An unconfirmed publish
// surfaces as a transportConsistencyFailure event, not an error.
func (s *Service) DisconnectUserSockets(ctx context.Context, userName string) error {
	err := s.bus.Publish(ctx, bus.Event{
		Name:     bus.EventDisconnectUserSockets,
		UserName: userName,
	})
	if err != nil {
		s.transportFault(err, OpInfo{
			OpType:   bus.EventDisconnectUserSockets,
			UserName: userName,
		})
	}
	return nil
}
