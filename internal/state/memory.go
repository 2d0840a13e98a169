package state

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vjoke/chat-service/internal/errs"
)

type memRoom struct {
	meta      RoomMeta
	whitelist map[string]struct{}
	blacklist map[string]struct{}
	members   map[string]map[string]struct{} // userName → socketIDs
	seen      map[string]int64               // userName → last join/leave millis
	history   []Message
	lastID    uint64
}

type memUser struct {
	whitelist     map[string]struct{}
	blacklist     map[string]struct{}
	whitelistOnly bool
	sockets       map[string]string // socketID → instanceUID
	rooms         map[string]struct{}
}

type memLock struct {
	token    string
	deadline time.Time
}

// MemoryStore keeps all state in process memory. It satisfies the Store
// contract for a single instance; cross-instance deployments need the redis
// backend.
type MemoryStore struct {
	mu         sync.Mutex
	clock      clock.Clock
	rooms      map[string]*memRoom
	users      map[string]*memUser
	locks      map[string]memLock
	heartbeats map[string]time.Time
	closed     bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		clock:      clk,
		rooms:      make(map[string]*memRoom),
		users:      make(map[string]*memUser),
		locks:      make(map[string]memLock),
		heartbeats: make(map[string]time.Time),
	}
}

func (s *MemoryStore) nowMillis() int64 {
	return s.clock.Now().UnixMilli()
}

// roomLocked returns the room record. Must be called with s.mu held.
func (s *MemoryStore) roomLocked(name string) (*memRoom, error) {
	if s.closed {
		return nil, errs.Unavailablef("store closed")
	}
	r, ok := s.rooms[name]
	if !ok {
		return nil, errs.NotFoundf("room %q not found", name)
	}
	return r, nil
}

// userLocked returns the user record. Must be called with s.mu held.
func (s *MemoryStore) userLocked(name string) (*memUser, error) {
	if s.closed {
		return nil, errs.Unavailablef("store closed")
	}
	u, ok := s.users[name]
	if !ok {
		return nil, errs.NotFoundf("user %q not found", name)
	}
	return u, nil
}

// userOrCreateLocked returns the user record, creating it implicitly.
// Must be called with s.mu held.
func (s *MemoryStore) userOrCreateLocked(name string) *memUser {
	u, ok := s.users[name]
	if !ok {
		u = newMemUser()
		s.users[name] = u
	}
	return u
}

func newMemUser() *memUser {
	return &memUser{
		whitelist: make(map[string]struct{}),
		blacklist: make(map[string]struct{}),
		sockets:   make(map[string]string),
		rooms:     make(map[string]struct{}),
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

func (s *MemoryStore) CreateRoom(ctx context.Context, name string, meta RoomMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.Unavailablef("store closed")
	}
	if _, ok := s.rooms[name]; ok {
		return errs.Conflictf("room %q already exists", name)
	}
	s.rooms[name] = &memRoom{
		meta:      meta,
		whitelist: make(map[string]struct{}),
		blacklist: make(map[string]struct{}),
		members:   make(map[string]map[string]struct{}),
		seen:      make(map[string]int64),
	}
	return nil
}

func (s *MemoryStore) RemoveRoom(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.roomLocked(name); err != nil {
		return err
	}
	delete(s.rooms, name)
	return nil
}

func (s *MemoryStore) RoomExists(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errs.Unavailablef("store closed")
	}
	_, ok := s.rooms[name]
	return ok, nil
}

func (s *MemoryStore) RoomMeta(ctx context.Context, name string) (RoomMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(name)
	if err != nil {
		return RoomMeta{}, err
	}
	return r.meta, nil
}

func (s *MemoryStore) SetWhitelistMode(ctx context.Context, room string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(room)
	if err != nil {
		return err
	}
	r.meta.WhitelistOnly = on
	return nil
}

func (s *MemoryStore) RoomList(ctx context.Context, room string, list ListName) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(room)
	if err != nil {
		return nil, err
	}
	return sortedKeys(r.pick(list)), nil
}

func (r *memRoom) pick(list ListName) map[string]struct{} {
	if list == Whitelist {
		return r.whitelist
	}
	return r.blacklist
}

func (s *MemoryStore) RoomListAdd(ctx context.Context, room string, list ListName, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(room)
	if err != nil {
		return err
	}
	dst, opp := r.pick(list), r.pick(Opposite(list))
	for _, n := range names {
		dst[n] = struct{}{}
		delete(opp, n) // lists stay disjoint
	}
	return nil
}

func (s *MemoryStore) RoomListRemove(ctx context.Context, room string, list ListName, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(room)
	if err != nil {
		return err
	}
	dst := r.pick(list)
	for _, n := range names {
		delete(dst, n)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Room membership
// ---------------------------------------------------------------------------

func (s *MemoryStore) RoomAddSocket(ctx context.Context, room, user, socketID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(room)
	if err != nil {
		return 0, err
	}
	sockets, ok := r.members[user]
	if !ok {
		sockets = make(map[string]struct{})
		r.members[user] = sockets
	}
	sockets[socketID] = struct{}{}
	r.seen[user] = s.nowMillis()
	return len(sockets), nil
}

func (s *MemoryStore) RoomRemoveSocket(ctx context.Context, room, user, socketID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(room)
	if err != nil {
		return 0, err
	}
	sockets := r.members[user]
	delete(sockets, socketID)
	if len(sockets) == 0 {
		delete(r.members, user)
	}
	r.seen[user] = s.nowMillis()
	return len(sockets), nil
}

func (s *MemoryStore) RoomUsers(ctx context.Context, room string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(room)
	if err != nil {
		return nil, err
	}
	return sortedKeys(r.members), nil
}

func (s *MemoryStore) RoomUserSockets(ctx context.Context, room, user string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(room)
	if err != nil {
		return nil, err
	}
	return sortedKeys(r.members[user]), nil
}

func (s *MemoryStore) RoomUserSeen(ctx context.Context, room, user string) (UserSeen, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(room)
	if err != nil {
		return UserSeen{}, err
	}
	_, joined := r.members[user]
	return UserSeen{Joined: joined, Timestamp: r.seen[user]}, nil
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

func (s *MemoryStore) HistoryAppend(ctx context.Context, room, author string, payload json.RawMessage) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(room)
	if err != nil {
		return Message{}, err
	}
	r.lastID++
	msg := Message{
		ID:        r.lastID,
		Author:    author,
		Timestamp: s.nowMillis(),
		Payload:   payload,
	}
	if r.meta.HistoryLimit > 0 {
		r.history = append(r.history, msg)
		if over := len(r.history) - r.meta.HistoryLimit; over > 0 {
			r.history = append(r.history[:0:0], r.history[over:]...)
		}
	}
	return msg, nil
}

func (s *MemoryStore) HistoryGet(ctx context.Context, room string, afterID uint64, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(room)
	if err != nil {
		return nil, err
	}
	// History is ordered by id; find the first entry past afterID.
	start := sort.Search(len(r.history), func(i int) bool {
		return r.history[i].ID > afterID
	})
	out := r.history[start:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]Message(nil), out...), nil
}

func (s *MemoryStore) HistoryLast(ctx context.Context, room string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(room)
	if err != nil {
		return nil, err
	}
	n := len(r.history)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]Message, 0, n)
	for i := len(r.history) - 1; i >= len(r.history)-n; i-- {
		out = append(out, r.history[i])
	}
	return out, nil
}

func (s *MemoryStore) HistoryInfo(ctx context.Context, room string) (HistoryInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.roomLocked(room)
	if err != nil {
		return HistoryInfo{}, err
	}
	return HistoryInfo{
		Size:   len(r.history),
		Limit:  r.meta.HistoryLimit,
		LastID: r.lastID,
	}, nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *MemoryStore) AddUser(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.Unavailablef("store closed")
	}
	if _, ok := s.users[name]; ok {
		return errs.Conflictf("user %q already exists", name)
	}
	s.users[name] = newMemUser()
	return nil
}

func (s *MemoryStore) RemoveUser(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.userLocked(name); err != nil {
		return err
	}
	delete(s.users, name)
	return nil
}

func (s *MemoryStore) UserExists(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errs.Unavailablef("store closed")
	}
	_, ok := s.users[name]
	return ok, nil
}

func (s *MemoryStore) UserAddSocket(ctx context.Context, user, socketID, instanceUID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errs.Unavailablef("store closed")
	}
	u := s.userOrCreateLocked(user)
	u.sockets[socketID] = instanceUID
	return len(u.sockets), nil
}

func (s *MemoryStore) UserRemoveSocket(ctx context.Context, user, socketID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.userLocked(user)
	if err != nil {
		return 0, err
	}
	delete(u.sockets, socketID)
	return len(u.sockets), nil
}

func (s *MemoryStore) UserSockets(ctx context.Context, user string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.userLocked(user)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(u.sockets))
	for id, uid := range u.sockets {
		out[id] = uid
	}
	return out, nil
}

func (s *MemoryStore) UserRooms(ctx context.Context, user string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.userLocked(user)
	if err != nil {
		return nil, err
	}
	return sortedKeys(u.rooms), nil
}

func (s *MemoryStore) UserJoinRoom(ctx context.Context, user, room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.userLocked(user)
	if err != nil {
		return err
	}
	u.rooms[room] = struct{}{}
	return nil
}

func (s *MemoryStore) UserLeaveRoom(ctx context.Context, user, room string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.userLocked(user)
	if err != nil {
		return err
	}
	delete(u.rooms, room)
	return nil
}

func (u *memUser) pick(list ListName) map[string]struct{} {
	if list == Whitelist {
		return u.whitelist
	}
	return u.blacklist
}

func (s *MemoryStore) UserList(ctx context.Context, user string, list ListName) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.userLocked(user)
	if err != nil {
		return nil, err
	}
	return sortedKeys(u.pick(list)), nil
}

func (s *MemoryStore) UserListAdd(ctx context.Context, user string, list ListName, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.userLocked(user)
	if err != nil {
		return err
	}
	dst, opp := u.pick(list), u.pick(Opposite(list))
	for _, n := range names {
		dst[n] = struct{}{}
		delete(opp, n) // lists stay disjoint
	}
	return nil
}

func (s *MemoryStore) UserListRemove(ctx context.Context, user string, list ListName, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.userLocked(user)
	if err != nil {
		return err
	}
	dst := u.pick(list)
	for _, n := range names {
		delete(dst, n)
	}
	return nil
}

func (s *MemoryStore) SetUserWhitelistMode(ctx context.Context, user string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.userLocked(user)
	if err != nil {
		return err
	}
	u.whitelistOnly = on
	return nil
}

func (s *MemoryStore) UserWhitelistMode(ctx context.Context, user string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.userLocked(user)
	if err != nil {
		return false, err
	}
	return u.whitelistOnly, nil
}

// ---------------------------------------------------------------------------
// Locks
// ---------------------------------------------------------------------------

func (s *MemoryStore) TryAcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, "", errs.Unavailablef("store closed")
	}
	now := s.clock.Now()
	expired := ""
	if cur, ok := s.locks[key]; ok {
		if now.Before(cur.deadline) {
			return false, "", nil
		}
		expired = cur.token
	}
	s.locks[key] = memLock{token: token, deadline: now.Add(ttl)}
	return true, expired, nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errs.Unavailablef("store closed")
	}
	cur, ok := s.locks[key]
	if !ok || cur.token != token {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

func (s *MemoryStore) ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errs.Unavailablef("store closed")
	}
	cur, ok := s.locks[key]
	if !ok || cur.token != token || !s.clock.Now().Before(cur.deadline) {
		return false, nil
	}
	cur.deadline = s.clock.Now().Add(ttl)
	s.locks[key] = cur
	return true, nil
}

// ---------------------------------------------------------------------------
// Heartbeats
// ---------------------------------------------------------------------------

func (s *MemoryStore) SetHeartbeat(ctx context.Context, instanceUID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.Unavailablef("store closed")
	}
	s.heartbeats[instanceUID] = at
	return nil
}

func (s *MemoryStore) StaleInstances(ctx context.Context, olderThan time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.Unavailablef("store closed")
	}
	var out []string
	for uid, at := range s.heartbeats {
		if at.Before(olderThan) {
			out = append(out, uid)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) InstanceSockets(ctx context.Context, instanceUID string) ([]SocketRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errs.Unavailablef("store closed")
	}
	var out []SocketRef
	for name, u := range s.users {
		for id, uid := range u.sockets {
			if uid == instanceUID {
				out = append(out, SocketRef{UserName: name, SocketID: id})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SocketID < out[j].SocketID })
	return out, nil
}

func (s *MemoryStore) RemoveInstance(ctx context.Context, instanceUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.Unavailablef("store closed")
	}
	delete(s.heartbeats, instanceUID)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
