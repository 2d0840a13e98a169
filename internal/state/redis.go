package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"github.com/vjoke/chat-service/internal/errs"
)

// Redis key layout, all under the "chat:" prefix:
//
//	chat:rooms                      set of room names
//	chat:room:<name>:meta           hash owner/whitelistOnly/historyLimit
//	chat:room:<name>:whitelist      set
//	chat:room:<name>:blacklist      set
//	chat:room:<name>:users          set of joined user names
//	chat:room:<name>:usersockets:<user>  set of socket ids
//	chat:room:<name>:seen           hash user → millis
//	chat:room:<name>:history        list of JSON messages, oldest first
//	chat:room:<name>:lastid         counter
//	chat:user:<name>:meta           hash exists/whitelistOnly
//	chat:user:<name>:sockets        hash socket id → instance uid
//	chat:user:<name>:rooms          set
//	chat:user:<name>:whitelist      set
//	chat:user:<name>:blacklist      set
//	chat:instance:<uid>:sockets     hash socket id → user name
//	chat:heartbeats                 zset uid scored by millis
//	chat:lock:<key>                 hash token/deadline
type RedisStore struct {
	rdb   redis.UniversalClient
	clock clock.Clock
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb redis.UniversalClient, clk clock.Clock) *RedisStore {
	if clk == nil {
		clk = clock.New()
	}
	return &RedisStore{rdb: rdb, clock: clk}
}

func roomNS(room, suffix string) string { return "chat:room:" + room + ":" + suffix }

func userNS(user, suffix string) string { return "chat:user:" + user + ":" + suffix }

func instanceNS(uid string) string { return "chat:instance:" + uid + ":sockets" }

const heartbeatsKey = "chat:heartbeats"

// wrapErr converts redis connectivity failures to the unavailable code.
// Context cancellation passes through untouched.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errs.Unavailablef("redis %s: %v", op, err)
}

func (s *RedisStore) checkRoom(ctx context.Context, room string) error {
	n, err := s.rdb.Exists(ctx, roomNS(room, "meta")).Result()
	if err != nil {
		return wrapErr("exists", err)
	}
	if n == 0 {
		return errs.NotFoundf("room %q not found", room)
	}
	return nil
}

func (s *RedisStore) checkUser(ctx context.Context, user string) error {
	n, err := s.rdb.Exists(ctx, userNS(user, "meta")).Result()
	if err != nil {
		return wrapErr("exists", err)
	}
	if n == 0 {
		return errs.NotFoundf("user %q not found", user)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Rooms
// ---------------------------------------------------------------------------

// createRoomScript creates the meta hash only if the room does not exist yet.
var createRoomScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'whitelistOnly', ARGV[2], 'historyLimit', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
return 1
`)

func (s *RedisStore) CreateRoom(ctx context.Context, name string, meta RoomMeta) error {
	wl := "0"
	if meta.WhitelistOnly {
		wl = "1"
	}
	created, err := createRoomScript.Run(ctx, s.rdb,
		[]string{roomNS(name, "meta"), "chat:rooms"},
		meta.Owner, wl, meta.HistoryLimit, name).Int()
	if err != nil {
		return wrapErr("createRoom", err)
	}
	if created == 0 {
		return errs.Conflictf("room %q already exists", name)
	}
	return nil
}

func (s *RedisStore) RemoveRoom(ctx context.Context, name string) error {
	if err := s.checkRoom(ctx, name); err != nil {
		return err
	}
	users, err := s.rdb.SMembers(ctx, roomNS(name, "users")).Result()
	if err != nil {
		return wrapErr("removeRoom", err)
	}
	keys := []string{
		roomNS(name, "meta"), roomNS(name, "whitelist"), roomNS(name, "blacklist"),
		roomNS(name, "users"), roomNS(name, "seen"),
		roomNS(name, "history"), roomNS(name, "lastid"),
	}
	for _, u := range users {
		keys = append(keys, roomNS(name, "usersockets:"+u))
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, "chat:rooms", name)
	_, err = pipe.Exec(ctx)
	return wrapErr("removeRoom", err)
}

func (s *RedisStore) RoomExists(ctx context.Context, name string) (bool, error) {
	n, err := s.rdb.Exists(ctx, roomNS(name, "meta")).Result()
	if err != nil {
		return false, wrapErr("roomExists", err)
	}
	return n > 0, nil
}

func (s *RedisStore) RoomMeta(ctx context.Context, name string) (RoomMeta, error) {
	vals, err := s.rdb.HGetAll(ctx, roomNS(name, "meta")).Result()
	if err != nil {
		return RoomMeta{}, wrapErr("roomMeta", err)
	}
	if len(vals) == 0 {
		return RoomMeta{}, errs.NotFoundf("room %q not found", name)
	}
	limit, _ := strconv.Atoi(vals["historyLimit"])
	return RoomMeta{
		Owner:         vals["owner"],
		WhitelistOnly: vals["whitelistOnly"] == "1",
		HistoryLimit:  limit,
	}, nil
}

func (s *RedisStore) SetWhitelistMode(ctx context.Context, room string, on bool) error {
	if err := s.checkRoom(ctx, room); err != nil {
		return err
	}
	wl := "0"
	if on {
		wl = "1"
	}
	return wrapErr("setWhitelistMode", s.rdb.HSet(ctx, roomNS(room, "meta"), "whitelistOnly", wl).Err())
}

func (s *RedisStore) RoomList(ctx context.Context, room string, list ListName) ([]string, error) {
	if err := s.checkRoom(ctx, room); err != nil {
		return nil, err
	}
	names, err := s.rdb.SMembers(ctx, roomNS(room, string(list))).Result()
	if err != nil {
		return nil, wrapErr("roomList", err)
	}
	sort.Strings(names)
	return names, nil
}

// listAddScript inserts into one access list and drops the same names from
// the opposite list, keeping the two disjoint.
var listAddScript = redis.NewScript(`
for i = 1, #ARGV do
  redis.call('SADD', KEYS[1], ARGV[i])
  redis.call('SREM', KEYS[2], ARGV[i])
end
return #ARGV
`)

func (s *RedisStore) RoomListAdd(ctx context.Context, room string, list ListName, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if err := s.checkRoom(ctx, room); err != nil {
		return err
	}
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	err := listAddScript.Run(ctx, s.rdb,
		[]string{roomNS(room, string(list)), roomNS(room, string(Opposite(list)))},
		args...).Err()
	return wrapErr("roomListAdd", err)
}

func (s *RedisStore) RoomListRemove(ctx context.Context, room string, list ListName, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if err := s.checkRoom(ctx, room); err != nil {
		return err
	}
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	return wrapErr("roomListRemove", s.rdb.SRem(ctx, roomNS(room, string(list)), args...).Err())
}

// ---------------------------------------------------------------------------
// Room membership
// ---------------------------------------------------------------------------

// roomAddSocketScript: KEYS = usersockets, users, seen; ARGV = socket, user, millis.
var roomAddSocketScript = redis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[2], ARGV[3])
return redis.call('SCARD', KEYS[1])
`)

func (s *RedisStore) RoomAddSocket(ctx context.Context, room, user, socketID string) (int, error) {
	if err := s.checkRoom(ctx, room); err != nil {
		return 0, err
	}
	n, err := roomAddSocketScript.Run(ctx, s.rdb,
		[]string{roomNS(room, "usersockets:"+user), roomNS(room, "users"), roomNS(room, "seen")},
		socketID, user, s.clock.Now().UnixMilli()).Int()
	if err != nil {
		return 0, wrapErr("roomAddSocket", err)
	}
	return n, nil
}

// roomRemoveSocketScript drops the user from the joined set when their last
// socket leaves. KEYS = usersockets, users, seen; ARGV = socket, user, millis.
var roomRemoveSocketScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
local n = redis.call('SCARD', KEYS[1])
if n == 0 then
  redis.call('SREM', KEYS[2], ARGV[2])
end
redis.call('HSET', KEYS[3], ARGV[2], ARGV[3])
return n
`)

func (s *RedisStore) RoomRemoveSocket(ctx context.Context, room, user, socketID string) (int, error) {
	if err := s.checkRoom(ctx, room); err != nil {
		return 0, err
	}
	n, err := roomRemoveSocketScript.Run(ctx, s.rdb,
		[]string{roomNS(room, "usersockets:"+user), roomNS(room, "users"), roomNS(room, "seen")},
		socketID, user, s.clock.Now().UnixMilli()).Int()
	if err != nil {
		return 0, wrapErr("roomRemoveSocket", err)
	}
	return n, nil
}

func (s *RedisStore) RoomUsers(ctx context.Context, room string) ([]string, error) {
	if err := s.checkRoom(ctx, room); err != nil {
		return nil, err
	}
	users, err := s.rdb.SMembers(ctx, roomNS(room, "users")).Result()
	if err != nil {
		return nil, wrapErr("roomUsers", err)
	}
	sort.Strings(users)
	return users, nil
}

func (s *RedisStore) RoomUserSockets(ctx context.Context, room, user string) ([]string, error) {
	if err := s.checkRoom(ctx, room); err != nil {
		return nil, err
	}
	ids, err := s.rdb.SMembers(ctx, roomNS(room, "usersockets:"+user)).Result()
	if err != nil {
		return nil, wrapErr("roomUserSockets", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *RedisStore) RoomUserSeen(ctx context.Context, room, user string) (UserSeen, error) {
	if err := s.checkRoom(ctx, room); err != nil {
		return UserSeen{}, err
	}
	pipe := s.rdb.Pipeline()
	joined := pipe.SIsMember(ctx, roomNS(room, "users"), user)
	seen := pipe.HGet(ctx, roomNS(room, "seen"), user)
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return UserSeen{}, wrapErr("roomUserSeen", err)
	}
	var ts int64
	if v, err := seen.Result(); err == nil {
		ts, _ = strconv.ParseInt(v, 10, 64)
	}
	return UserSeen{Joined: joined.Val(), Timestamp: ts}, nil
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

// historyAppendScript stamps the next id, appends and trims to the room
// limit. KEYS = lastid, history; ARGV = message JSON sans id, limit.
// The id is spliced in client-side after INCR to keep the JSON canonical,
// so the script receives the final encoded message instead: ARGV[1] is a
// format placeholder replaced below.
var historyAppendScript = redis.NewScript(`
local id = redis.call('INCR', KEYS[1])
local msg = string.gsub(ARGV[1], '"__ID__"', tostring(id), 1)
local limit = tonumber(ARGV[2])
if limit > 0 then
  redis.call('RPUSH', KEYS[2], msg)
  redis.call('LTRIM', KEYS[2], -limit, -1)
end
return id
`)

func (s *RedisStore) HistoryAppend(ctx context.Context, room, author string, payload json.RawMessage) (Message, error) {
	meta, err := s.RoomMeta(ctx, room)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		Author:    author,
		Timestamp: s.clock.Now().UnixMilli(),
		Payload:   payload,
	}
	// Encode with a placeholder id the script replaces after INCR.
	encoded, err := json.Marshal(struct {
		ID string `json:"id"`
		Message
	}{ID: "__ID__", Message: msg})
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}
	id, err := historyAppendScript.Run(ctx, s.rdb,
		[]string{roomNS(room, "lastid"), roomNS(room, "history")},
		string(encoded), meta.HistoryLimit).Int64()
	if err != nil {
		return Message{}, wrapErr("historyAppend", err)
	}
	msg.ID = uint64(id)
	return msg, nil
}

func decodeMessages(raw []string) ([]Message, error) {
	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("decode history entry: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) HistoryGet(ctx context.Context, room string, afterID uint64, limit int) ([]Message, error) {
	info, err := s.HistoryInfo(ctx, room)
	if err != nil {
		return nil, err
	}
	if info.Size == 0 {
		return nil, nil
	}
	// Ids are sequential and eviction drops from the front, so the list
	// index of any id is computable from the first retained id.
	firstID := info.LastID - uint64(info.Size) + 1
	start := int64(0)
	if afterID >= firstID {
		start = int64(afterID - firstID + 1)
	}
	stop := int64(info.Size) - 1
	if limit > 0 && start+int64(limit)-1 < stop {
		stop = start + int64(limit) - 1
	}
	if start > stop {
		return nil, nil
	}
	raw, err := s.rdb.LRange(ctx, roomNS(room, "history"), start, stop).Result()
	if err != nil {
		return nil, wrapErr("historyGet", err)
	}
	return decodeMessages(raw)
}

func (s *RedisStore) HistoryLast(ctx context.Context, room string, limit int) ([]Message, error) {
	if err := s.checkRoom(ctx, room); err != nil {
		return nil, err
	}
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := s.rdb.LRange(ctx, roomNS(room, "history"), start, -1).Result()
	if err != nil {
		return nil, wrapErr("historyLast", err)
	}
	msgs, err := decodeMessages(raw)
	if err != nil {
		return nil, err
	}
	// Newest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *RedisStore) HistoryInfo(ctx context.Context, room string) (HistoryInfo, error) {
	meta, err := s.RoomMeta(ctx, room)
	if err != nil {
		return HistoryInfo{}, err
	}
	pipe := s.rdb.Pipeline()
	size := pipe.LLen(ctx, roomNS(room, "history"))
	last := pipe.Get(ctx, roomNS(room, "lastid"))
	_, err = pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return HistoryInfo{}, wrapErr("historyInfo", err)
	}
	var lastID uint64
	if v, err := last.Result(); err == nil {
		lastID, _ = strconv.ParseUint(v, 10, 64)
	}
	return HistoryInfo{
		Size:   int(size.Val()),
		Limit:  meta.HistoryLimit,
		LastID: lastID,
	}, nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

var addUserScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'exists', '1', 'whitelistOnly', '0')
return 1
`)

func (s *RedisStore) AddUser(ctx context.Context, name string) error {
	created, err := addUserScript.Run(ctx, s.rdb, []string{userNS(name, "meta")}).Int()
	if err != nil {
		return wrapErr("addUser", err)
	}
	if created == 0 {
		return errs.Conflictf("user %q already exists", name)
	}
	return nil
}

func (s *RedisStore) RemoveUser(ctx context.Context, name string) error {
	if err := s.checkUser(ctx, name); err != nil {
		return err
	}
	err := s.rdb.Del(ctx,
		userNS(name, "meta"), userNS(name, "sockets"), userNS(name, "rooms"),
		userNS(name, "whitelist"), userNS(name, "blacklist")).Err()
	return wrapErr("removeUser", err)
}

func (s *RedisStore) UserExists(ctx context.Context, name string) (bool, error) {
	n, err := s.rdb.Exists(ctx, userNS(name, "meta")).Result()
	if err != nil {
		return false, wrapErr("userExists", err)
	}
	return n > 0, nil
}

// userAddSocketScript: KEYS = meta, sockets, instance index;
// ARGV = socket, instance uid, user.
var userAddSocketScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], 'exists', '1', 'whitelistOnly', '0')
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
return redis.call('HLEN', KEYS[2])
`)

func (s *RedisStore) UserAddSocket(ctx context.Context, user, socketID, instanceUID string) (int, error) {
	n, err := userAddSocketScript.Run(ctx, s.rdb,
		[]string{userNS(user, "meta"), userNS(user, "sockets"), instanceNS(instanceUID)},
		socketID, instanceUID, user).Int()
	if err != nil {
		return 0, wrapErr("userAddSocket", err)
	}
	return n, nil
}

// userRemoveSocketScript: KEYS = sockets; ARGV = socket. Clears the instance
// index entry for whichever instance held the socket.
var userRemoveSocketScript = redis.NewScript(`
local uid = redis.call('HGET', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
if uid then
  redis.call('HDEL', 'chat:instance:' .. uid .. ':sockets', ARGV[1])
end
return redis.call('HLEN', KEYS[1])
`)

func (s *RedisStore) UserRemoveSocket(ctx context.Context, user, socketID string) (int, error) {
	if err := s.checkUser(ctx, user); err != nil {
		return 0, err
	}
	n, err := userRemoveSocketScript.Run(ctx, s.rdb,
		[]string{userNS(user, "sockets")}, socketID).Int()
	if err != nil {
		return 0, wrapErr("userRemoveSocket", err)
	}
	return n, nil
}

func (s *RedisStore) UserSockets(ctx context.Context, user string) (map[string]string, error) {
	if err := s.checkUser(ctx, user); err != nil {
		return nil, err
	}
	out, err := s.rdb.HGetAll(ctx, userNS(user, "sockets")).Result()
	if err != nil {
		return nil, wrapErr("userSockets", err)
	}
	return out, nil
}

func (s *RedisStore) UserRooms(ctx context.Context, user string) ([]string, error) {
	if err := s.checkUser(ctx, user); err != nil {
		return nil, err
	}
	rooms, err := s.rdb.SMembers(ctx, userNS(user, "rooms")).Result()
	if err != nil {
		return nil, wrapErr("userRooms", err)
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (s *RedisStore) UserJoinRoom(ctx context.Context, user, room string) error {
	if err := s.checkUser(ctx, user); err != nil {
		return err
	}
	return wrapErr("userJoinRoom", s.rdb.SAdd(ctx, userNS(user, "rooms"), room).Err())
}

func (s *RedisStore) UserLeaveRoom(ctx context.Context, user, room string) error {
	if err := s.checkUser(ctx, user); err != nil {
		return err
	}
	return wrapErr("userLeaveRoom", s.rdb.SRem(ctx, userNS(user, "rooms"), room).Err())
}

func (s *RedisStore) UserList(ctx context.Context, user string, list ListName) ([]string, error) {
	if err := s.checkUser(ctx, user); err != nil {
		return nil, err
	}
	names, err := s.rdb.SMembers(ctx, userNS(user, string(list))).Result()
	if err != nil {
		return nil, wrapErr("userList", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStore) UserListAdd(ctx context.Context, user string, list ListName, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if err := s.checkUser(ctx, user); err != nil {
		return err
	}
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	err := listAddScript.Run(ctx, s.rdb,
		[]string{userNS(user, string(list)), userNS(user, string(Opposite(list)))},
		args...).Err()
	return wrapErr("userListAdd", err)
}

func (s *RedisStore) UserListRemove(ctx context.Context, user string, list ListName, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if err := s.checkUser(ctx, user); err != nil {
		return err
	}
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	return wrapErr("userListRemove", s.rdb.SRem(ctx, userNS(user, string(list)), args...).Err())
}

func (s *RedisStore) SetUserWhitelistMode(ctx context.Context, user string, on bool) error {
	if err := s.checkUser(ctx, user); err != nil {
		return err
	}
	wl := "0"
	if on {
		wl = "1"
	}
	return wrapErr("setUserWhitelistMode", s.rdb.HSet(ctx, userNS(user, "meta"), "whitelistOnly", wl).Err())
}

func (s *RedisStore) UserWhitelistMode(ctx context.Context, user string) (bool, error) {
	if err := s.checkUser(ctx, user); err != nil {
		return false, err
	}
	v, err := s.rdb.HGet(ctx, userNS(user, "meta"), "whitelistOnly").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, wrapErr("userWhitelistMode", err)
	}
	return v == "1", nil
}

// ---------------------------------------------------------------------------
// Locks
// ---------------------------------------------------------------------------

// tryAcquireLockScript grants the lock if free or expired, using the redis
// server clock so all instances agree on expiry. Returns {granted, evicted
// token}. KEYS = lock; ARGV = token, ttl millis.
var tryAcquireLockScript = redis.NewScript(`
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
local cur = redis.call('HMGET', KEYS[1], 'token', 'deadline')
local evicted = ''
if cur[1] then
  if now < tonumber(cur[2]) then
    return {0, ''}
  end
  evicted = cur[1]
end
redis.call('HSET', KEYS[1], 'token', ARGV[1], 'deadline', now + tonumber(ARGV[2]))
return {1, evicted}
`)

func (s *RedisStore) TryAcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, string, error) {
	res, err := tryAcquireLockScript.Run(ctx, s.rdb,
		[]string{"chat:lock:" + key}, token, ttl.Milliseconds()).Slice()
	if err != nil {
		return false, "", wrapErr("tryAcquireLock", err)
	}
	granted, _ := res[0].(int64)
	evicted, _ := res[1].(string)
	return granted == 1, evicted, nil
}

var releaseLockScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

func (s *RedisStore) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	ok, err := releaseLockScript.Run(ctx, s.rdb, []string{"chat:lock:" + key}, token).Int()
	if err != nil {
		return false, wrapErr("releaseLock", err)
	}
	return ok == 1, nil
}

var extendLockScript = redis.NewScript(`
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
local cur = redis.call('HMGET', KEYS[1], 'token', 'deadline')
if cur[1] ~= ARGV[1] or now >= tonumber(cur[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'deadline', now + tonumber(ARGV[2]))
return 1
`)

func (s *RedisStore) ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := extendLockScript.Run(ctx, s.rdb,
		[]string{"chat:lock:" + key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, wrapErr("extendLock", err)
	}
	return ok == 1, nil
}

// ---------------------------------------------------------------------------
// Heartbeats
// ---------------------------------------------------------------------------

func (s *RedisStore) SetHeartbeat(ctx context.Context, instanceUID string, at time.Time) error {
	err := s.rdb.ZAdd(ctx, heartbeatsKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: instanceUID,
	}).Err()
	return wrapErr("setHeartbeat", err)
}

func (s *RedisStore) StaleInstances(ctx context.Context, olderThan time.Time) ([]string, error) {
	uids, err := s.rdb.ZRangeByScore(ctx, heartbeatsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", olderThan.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, wrapErr("staleInstances", err)
	}
	sort.Strings(uids)
	return uids, nil
}

func (s *RedisStore) InstanceSockets(ctx context.Context, instanceUID string) ([]SocketRef, error) {
	vals, err := s.rdb.HGetAll(ctx, instanceNS(instanceUID)).Result()
	if err != nil {
		return nil, wrapErr("instanceSockets", err)
	}
	out := make([]SocketRef, 0, len(vals))
	for socketID, user := range vals {
		out = append(out, SocketRef{UserName: user, SocketID: socketID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SocketID < out[j].SocketID })
	return out, nil
}

func (s *RedisStore) RemoveInstance(ctx context.Context, instanceUID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, heartbeatsKey, instanceUID)
	pipe.Del(ctx, instanceNS(instanceUID))
	_, err := pipe.Exec(ctx)
	return wrapErr("removeInstance", err)
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
