package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"headless/internal/logging"
	"headless/internal/protocol"
)

// WebSocketPath is the HTTP path the signer upgrades on.
const WebSocketPath = "/signer"

const wsWriteTimeout = 10 * time.Second

type wsConn struct {
	id   string
	peer string
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *wsConn) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// WebSocketServer carries one envelope per binary message.
type WebSocketServer struct {
	opts     Options
	logger   *slog.Logger
	listener net.Listener
	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.Mutex
	conns   map[string]*wsConn
	handler ServerHandler
	wg      sync.WaitGroup
	once    sync.Once
}

// ListenWebSocket binds address; Serve starts the HTTP server.
func ListenWebSocket(address string, opts Options, logger *slog.Logger) (*WebSocketServer, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrTransport, "websocket", "listen", address, err)
	}
	if opts.TLS != nil {
		listener = tls.NewListener(listener, opts.TLS)
	}
	s := &WebSocketServer{
		opts:     opts,
		logger:   logging.NewComponentLogger(logger, "transport"),
		listener: listener,
		conns:    make(map[string]*wsConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, s.handleUpgrade)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

func (s *WebSocketServer) Addr() string { return s.listener.Addr().String() }

func (s *WebSocketServer) TicketRequired() bool { return s.opts.TicketRequired }

// Serve runs until ctx is done or Close is called.
func (s *WebSocketServer) Serve(ctx context.Context, h ServerHandler) error {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	s.logger.Info("signer transport listening",
		logging.String("address", s.Addr()),
		logging.String("path", WebSocketPath),
		logging.String(logging.FieldEventType, "transport_listening"),
	)
	err := s.server.Serve(s.listener)
	s.wg.Wait()
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *WebSocketServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", logging.Error(err))
		return
	}
	peer := r.RemoteAddr
	if host, _, splitErr := net.SplitHostPort(peer); splitErr == nil {
		peer = host
	}
	wc := &wsConn{id: uuid.NewString(), peer: peer, conn: conn}
	conn.SetReadLimit(int64(s.opts.maxFrame()))

	s.mu.Lock()
	s.conns[wc.id] = wc
	h := s.handler
	s.mu.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()

	h.OnPeerConnected(wc.peer)
	h.OnClientConnected(wc.id)
	defer func() {
		s.mu.Lock()
		delete(s.conns, wc.id)
		s.mu.Unlock()
		_ = conn.Close()
		h.OnClientDisconnected(wc.id)
		h.OnPeerDisconnected(wc.peer)
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		h.OnData(wc.id, data)
	}
}

// Send writes one binary message to clientID.
func (s *WebSocketServer) Send(clientID string, data []byte) error {
	s.mu.Lock()
	wc, ok := s.conns[clientID]
	s.mu.Unlock()
	if !ok {
		return protocol.Wrap(protocol.ErrTransport, "websocket", "send", "unknown client "+clientID, nil)
	}
	if err := wc.write(data); err != nil {
		return protocol.Wrap(protocol.ErrTransport, "websocket", "send", "", err)
	}
	return nil
}

// Disconnect closes clientID's connection.
func (s *WebSocketServer) Disconnect(clientID string) error {
	s.mu.Lock()
	wc, ok := s.conns[clientID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return wc.conn.Close()
}

// Close shuts the HTTP server and every connection.
func (s *WebSocketServer) Close() error {
	var err error
	s.once.Do(func() {
		err = s.server.Close()
		s.mu.Lock()
		for _, wc := range s.conns {
			_ = wc.conn.Close()
		}
		s.mu.Unlock()
	})
	return err
}

// WebSocketClient dials a WebSocketServer.
type WebSocketClient struct {
	opts Options

	mu     sync.Mutex
	conn   *wsConn
	closed bool
	cancel context.CancelFunc
}

// NewWebSocketClient returns an unopened client.
func NewWebSocketClient(opts Options) *WebSocketClient {
	return &WebSocketClient{opts: opts}
}

func (c *WebSocketClient) TicketRequired() bool { return c.opts.TicketRequired }

// Open dials ws(s)://address/signer in the background.
func (c *WebSocketClient) Open(ctx context.Context, address string, h ClientHandler) error {
	if h == nil {
		return errors.New("websocket client requires a handler")
	}
	c.mu.Lock()
	if c.conn != nil || c.cancel != nil {
		c.mu.Unlock()
		return protocol.Wrap(protocol.ErrTransport, "websocket", "open", "already open", nil)
	}
	dialCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.closed = false
	c.mu.Unlock()

	go c.run(dialCtx, address, h)
	return nil
}

func (c *WebSocketClient) endpoint(address string) string {
	scheme := "ws"
	if c.opts.TLS != nil {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: address, Path: WebSocketPath}
	return u.String()
}

func (c *WebSocketClient) run(ctx context.Context, address string, h ClientHandler) {
	defer h.OnDisconnected()

	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		TLSClientConfig:  c.opts.TLS,
	}
	conn, _, err := dialer.DialContext(ctx, c.endpoint(address), nil)
	if err != nil {
		h.OnError(protocol.Wrap(protocol.ErrTransport, "websocket", "dial", address, err))
		c.reset()
		return
	}
	conn.SetReadLimit(int64(c.opts.maxFrame()))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		c.reset()
		return
	}
	c.conn = &wsConn{conn: conn}
	c.mu.Unlock()

	h.OnConnected()
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.OnError(protocol.Wrap(protocol.ErrTransport, "websocket", "read", "", err))
			}
			_ = conn.Close()
			c.reset()
			return
		}
		if kind == websocket.BinaryMessage {
			h.OnData(data)
		}
	}
}

func (c *WebSocketClient) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Send writes one binary message.
func (c *WebSocketClient) Send(data []byte) error {
	c.mu.Lock()
	wc := c.conn
	c.mu.Unlock()
	if wc == nil {
		return protocol.ErrNotConnected
	}
	if err := wc.write(data); err != nil {
		return protocol.Wrap(protocol.ErrTransport, "websocket", "send", "", err)
	}
	return nil
}

// Close sends a close frame and drops the connection.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn == nil {
		return nil
	}
	c.conn.wmu.Lock()
	_ = c.conn.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.conn.wmu.Unlock()
	return c.conn.conn.Close()
}
