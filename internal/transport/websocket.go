package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vjoke/chat-service/internal/errs"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	maxFrameSize   = 1 << 20
	sendBufferSize = 64
	recvBufferSize = 16
)

// clientFrame is one inbound command request.
type clientFrame struct {
	Seq  uint64 `json:"seq"`
	Name string `json:"name"`
	Args []any  `json:"args"`
}

// serverFrame is one outbound message: either a command reply (Seq set) or a
// server-pushed event.
type serverFrame struct {
	Seq     uint64 `json:"seq,omitempty"`
	Event   string `json:"event,omitempty"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Handlers are the service callbacks driving a websocket session. The
// transport stays ignorant of command semantics; it frames JSON and manages
// the connection lifecycle.
type Handlers struct {
	// Authenticate maps the upgrade request to a user name. A non-nil
	// error rejects the connection with 401.
	Authenticate func(r *http.Request) (string, error)
	// Connect is invoked after the socket is registered. A non-nil error
	// closes the connection.
	Connect func(ctx context.Context, userName, socketID string) error
	// Disconnect is invoked once per socket after its read loop ends.
	Disconnect func(ctx context.Context, userName, socketID string)
	// Exec dispatches one command on behalf of the socket's user.
	Exec func(ctx context.Context, userName, socketID, name string, args []any) (any, error)
}

type wsConn struct {
	userName string
	socketID string
	conn     *websocket.Conn
	send     chan serverFrame
	recv     chan clientFrame

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// enqueue drops the frame when the socket's send buffer is full or the
// connection is already closing. A client that cannot keep up loses events
// rather than stalling room broadcasts.
func (c *wsConn) enqueue(f serverFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// WSTransport terminates websocket client connections. Channel bookkeeping
// delegates to an embedded ChannelRegistry; the websocket layer only adds
// framing, the session lifecycle callbacks and per-connection write pumps.
type WSTransport struct {
	registry *ChannelRegistry
	handlers Handlers
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu    sync.Mutex
	conns map[string]*wsConn
}

var _ Transport = (*WSTransport)(nil)

func NewWSTransport(handlers Handlers, log *slog.Logger) *WSTransport {
	return &WSTransport{
		registry: NewChannelRegistry(),
		handlers: handlers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:   log,
		conns: make(map[string]*wsConn),
	}
}

func (t *WSTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userName, err := t.handlers.Authenticate(r)
	if err != nil {
		t.log.Debug("ws: authentication rejected", "err", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Debug("ws: upgrade failed", "err", err)
		return
	}

	c := &wsConn{
		userName: userName,
		socketID: uuid.NewString(),
		conn:     conn,
		send:     make(chan serverFrame, sendBufferSize),
		recv:     make(chan clientFrame, recvBufferSize),
	}

	if err := t.registry.AddSocket(c.socketID, func(event string, payload any) {
		if !c.enqueue(serverFrame{Event: event, Payload: payload}) {
			t.log.Warn("ws: send buffer full, dropping event",
				"socket", c.socketID, "event", event)
		}
	}); err != nil {
		conn.Close()
		return
	}

	t.mu.Lock()
	t.conns[c.socketID] = c
	t.mu.Unlock()

	go t.writePump(c)

	ctx := r.Context()
	if err := t.handlers.Connect(context.WithoutCancel(ctx), userName, c.socketID); err != nil {
		t.log.Debug("ws: connect rejected", "user", userName, "err", err)
		t.dropConn(c)
		return
	}

	t.log.Debug("ws: socket connected", "user", userName, "socket", c.socketID)
	go t.dispatchLoop(c)
	t.readLoop(c)
	t.handlers.Disconnect(context.WithoutCancel(ctx), userName, c.socketID)
	t.dropConn(c)
	t.log.Debug("ws: socket disconnected", "user", userName, "socket", c.socketID)
}

func (t *WSTransport) readLoop(c *wsConn) {
	defer close(c.recv)
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.enqueue(serverFrame{Error: "malformed frame", Code: string(errs.Validation)})
			continue
		}
		c.recv <- frame
	}
}

// dispatchLoop executes a connection's commands one at a time in arrival
// order, so each command observes the effects of every command the client
// sent before it.
func (t *WSTransport) dispatchLoop(c *wsConn) {
	for frame := range c.recv {
		t.dispatch(c, frame)
	}
}

func (t *WSTransport) dispatch(c *wsConn, frame clientFrame) {
	result, err := t.handlers.Exec(context.Background(), c.userName, c.socketID, frame.Name, frame.Args)
	reply := serverFrame{Seq: frame.Seq}
	if err != nil {
		reply.Error = err.Error()
		reply.Code = string(errs.CodeOf(err))
	} else {
		reply.Payload = result
	}
	c.enqueue(reply)
}

func (t *WSTransport) writePump(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *WSTransport) dropConn(c *wsConn) {
	t.mu.Lock()
	delete(t.conns, c.socketID)
	t.mu.Unlock()
	t.registry.CloseSocket(c.socketID)
	c.close()
}

func (t *WSTransport) JoinChannel(socketID, channel string) error {
	return t.registry.JoinChannel(socketID, channel)
}

func (t *WSTransport) LeaveChannel(socketID, channel string) error {
	return t.registry.LeaveChannel(socketID, channel)
}

func (t *WSTransport) Broadcast(channel, event string, payload any) error {
	return t.registry.Broadcast(channel, event, payload)
}

func (t *WSTransport) BroadcastAll(event string, payload any) error {
	return t.registry.BroadcastAll(event, payload)
}

// CloseSocket tears down the connection housing the socket. Unknown sockets
// are a no-op, matching the registry contract.
func (t *WSTransport) CloseSocket(socketID string) error {
	t.mu.Lock()
	c := t.conns[socketID]
	t.mu.Unlock()
	if c != nil {
		t.dropConn(c)
	}
	return nil
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	conns := make([]*wsConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()
	for _, c := range conns {
		t.dropConn(c)
	}
	return t.registry.Close()
}
