package transport

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/gatelink/internal/route"
)

// WebSocketSettings tunes the per-connection loops. ReadTimeout must exceed
// PingTimeout so an idle but healthy peer is not dropped.
type WebSocketSettings struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingTimeout  time.Duration
	SendBuffer   int
	InboxSize    int
}

func DefaultWebSocketSettings() WebSocketSettings {
	return WebSocketSettings{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  15 * time.Second,
		PingTimeout:  5 * time.Second,
		SendBuffer:   64,
		InboxSize:    DefaultInboxSize,
	}
}

// wsConn runs the writer and reader loops of one websocket connection.
type wsConn struct {
	id       string
	ws       *websocket.Conn
	codec    FrameCodec
	settings WebSocketSettings
	send     chan []byte

	ctx    context.Context
	cancel context.CancelFunc
}

func newWSConn(parent context.Context, ws *websocket.Conn, codec FrameCodec, settings WebSocketSettings) *wsConn {
	ctx, cancel := context.WithCancel(parent)
	return &wsConn{
		id:       uuid.NewString(),
		ws:       ws,
		codec:    codec,
		settings: settings,
		send:     make(chan []byte, settings.SendBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *wsConn) frameType() int {
	if c.codec.Name() == "json" {
		return websocket.TextMessage
	}
	return websocket.BinaryMessage
}

func (c *wsConn) writeLoop() {
	defer c.cancel()
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.ws.WriteMessage(c.frameType(), frame); err != nil {
				// a websocket write deadline cannot be recovered
				logf("ws %s write: %v", c.id, err)
				return
			}
		case <-time.After(c.settings.PingTimeout):
			// an empty frame keeps the peer's read deadline alive
			c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) readLoop(inbox chan<- route.Message) {
	defer c.cancel()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		messageType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				logf("ws %s read: %v", c.id, err)
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if len(frame) == 0 {
			continue
		}
		msg, err := c.codec.Unmarshal(frame)
		if err != nil {
			logf("ws %s: %v", c.id, frameError(c.codec, err))
			continue
		}
		if !deliver(c.ctx, inbox, msg) {
			return
		}
	}
}

// enqueue hands frame to the writer without blocking.
func (c *wsConn) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	case <-c.ctx.Done():
		return false
	default:
		return false
	}
}

// WebSocketServer is the host side of the websocket transport. Every frame
// sent is broadcast to all connected remotes; frames from any remote are
// merged into Messages.
type WebSocketServer struct {
	codec    FrameCodec
	settings WebSocketSettings
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	inbox  chan route.Message

	mu        sync.Mutex
	conns     map[string]*wsConn
	closed    bool
	onConnect func(peer string)
}

func NewWebSocketServer(codec FrameCodec, settings WebSocketSettings) *WebSocketServer {
	if codec == nil {
		codec = JSONCodec{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketServer{
		codec:    codec,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// remotes are not browsers; any origin may connect
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan route.Message, inboxSize(settings.InboxSize)),
		conns:  make(map[string]*wsConn),
	}
}

// OnConnect registers fn to run for every accepted connection.
func (s *WebSocketServer) OnConnect(fn func(peer string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = fn
}

// ServeHTTP upgrades the request and runs the connection until either side
// closes it.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "transport closed", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logf("ws upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	c := newWSConn(s.ctx, ws, s.codec, s.settings)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.conns[c.id] = c
	s.wg.Add(2)
	fn := s.onConnect
	s.mu.Unlock()

	logf("ws %s connected from %s", c.id, r.RemoteAddr)
	go func() {
		defer s.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer s.wg.Done()
		c.readLoop(s.inbox)
		s.drop(c)
	}()

	if fn != nil {
		fn(c.id)
	}
}

func (s *WebSocketServer) drop(c *wsConn) {
	c.cancel()
	c.ws.Close()
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	logf("ws %s disconnected", c.id)
}

// Connections returns the ids of the connected remotes.
func (s *WebSocketServer) Connections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Send broadcasts msg to every connected remote. A remote whose send buffer
// is full misses the frame.
func (s *WebSocketServer) Send(ctx context.Context, msg route.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := s.codec.Marshal(msg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, c := range s.conns {
		if !c.enqueue(frame) {
			logf("ws %s: send buffer full, dropping %s", c.id, msg.Path)
		}
	}
	return nil
}

func (s *WebSocketServer) Messages() <-chan route.Message { return s.inbox }

// Close disconnects every remote and closes Messages once their loops exit.
func (s *WebSocketServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	for _, c := range conns {
		c.ws.Close()
	}
	s.wg.Wait()
	close(s.inbox)
	return nil
}

// WebSocketClient is the remote side of the websocket transport.
type WebSocketClient struct {
	conn  *wsConn
	inbox chan route.Message
	wg    sync.WaitGroup
	once  sync.Once
}

// DialWebSocket connects to a host's websocket endpoint, e.g.
// "ws://host:8090/gatelink".
func DialWebSocket(ctx context.Context, url string, codec FrameCodec, settings WebSocketSettings) (*WebSocketClient, error) {
	if codec == nil {
		codec = JSONCodec{}
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	c := &WebSocketClient{
		conn:  newWSConn(context.Background(), ws, codec, settings),
		inbox: make(chan route.Message, inboxSize(settings.InboxSize)),
	}
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.conn.writeLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.conn.readLoop(c.inbox)
		c.conn.ws.Close()
	}()
	return c, nil
}

// Done is closed when the connection ends.
func (c *WebSocketClient) Done() <-chan struct{} { return c.conn.ctx.Done() }

// Send queues msg for the host, waiting for buffer space until ctx ends.
func (c *WebSocketClient) Send(ctx context.Context, msg route.Message) error {
	if c.conn.ctx.Err() != nil {
		return ErrClosed
	}
	frame, err := c.conn.codec.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.conn.send <- frame:
		return nil
	case <-c.conn.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *WebSocketClient) Messages() <-chan route.Message { return c.inbox }

func (c *WebSocketClient) Close() error {
	c.once.Do(func() {
		c.conn.cancel()
		c.conn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.conn.settings.WriteTimeout))
		c.conn.ws.Close()
		c.wg.Wait()
		close(c.inbox)
	})
	return nil
}
