package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"headless/internal/logging"
	"headless/internal/protocol"
)

const dialTimeout = 5 * time.Second

// Options configures the stream transports.
type Options struct {
	TLS            *tls.Config
	TicketRequired bool
	MaxFrame       uint32
}

func (o Options) maxFrame() uint32 {
	if o.MaxFrame == 0 {
		return protocol.DefaultMaxFrame
	}
	return o.MaxFrame
}

type streamConn struct {
	id   string
	peer string
	conn net.Conn
	wmu  sync.Mutex
}

func (c *streamConn) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return protocol.WriteFrame(c.conn, data)
}

// TCPServer accepts length-prefixed envelopes over TCP, optionally with TLS.
type TCPServer struct {
	opts     Options
	logger   *slog.Logger
	listener net.Listener

	mu    sync.Mutex
	conns map[string]*streamConn
	wg    sync.WaitGroup
	once  sync.Once
}

// ListenTCP binds address immediately so Addr is valid before Serve.
func ListenTCP(address string, opts Options, logger *slog.Logger) (*TCPServer, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrTransport, "tcp", "listen", address, err)
	}
	if opts.TLS != nil {
		listener = tls.NewListener(listener, opts.TLS)
	}
	return &TCPServer{
		opts:     opts,
		logger:   logging.NewComponentLogger(logger, "transport"),
		listener: listener,
		conns:    make(map[string]*streamConn),
	}, nil
}

func (s *TCPServer) Addr() string { return s.listener.Addr().String() }

func (s *TCPServer) TicketRequired() bool { return s.opts.TicketRequired }

// Serve accepts connections until ctx is done or Close is called.
func (s *TCPServer) Serve(ctx context.Context, h ServerHandler) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	s.logger.Info("signer transport listening",
		logging.String("address", s.Addr()),
		logging.Bool("tls", s.opts.TLS != nil),
		logging.String(logging.FieldEventType, "transport_listening"),
	)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			s.logger.Warn("accept failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "transport_accept_failed"),
				logging.String(logging.FieldImpact, "terminals may fail to connect"),
				logging.String(logging.FieldErrorHint, "check file descriptor limits"),
			)
			continue
		}
		sc := &streamConn{id: uuid.NewString(), peer: peerIP(conn.RemoteAddr()), conn: conn}
		s.mu.Lock()
		s.conns[sc.id] = sc
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(sc, h)
		}()
	}
}

func (s *TCPServer) serveConn(sc *streamConn, h ServerHandler) {
	h.OnPeerConnected(sc.peer)
	h.OnClientConnected(sc.id)
	defer func() {
		s.mu.Lock()
		delete(s.conns, sc.id)
		s.mu.Unlock()
		_ = sc.conn.Close()
		h.OnClientDisconnected(sc.id)
		h.OnPeerDisconnected(sc.peer)
	}()

	for {
		frame, err := protocol.ReadFrame(sc.conn, s.opts.maxFrame())
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("client read ended",
					logging.String(logging.FieldClientID, sc.id),
					logging.Error(err),
				)
			}
			return
		}
		h.OnData(sc.id, frame)
	}
}

// Send writes one frame to clientID.
func (s *TCPServer) Send(clientID string, data []byte) error {
	s.mu.Lock()
	sc, ok := s.conns[clientID]
	s.mu.Unlock()
	if !ok {
		return protocol.Wrap(protocol.ErrTransport, "tcp", "send", "unknown client "+clientID, nil)
	}
	if err := sc.write(data); err != nil {
		return protocol.Wrap(protocol.ErrTransport, "tcp", "send", "", err)
	}
	return nil
}

// Disconnect closes clientID's connection.
func (s *TCPServer) Disconnect(clientID string) error {
	s.mu.Lock()
	sc, ok := s.conns[clientID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return sc.conn.Close()
}

// Close stops accepting and drops every client.
func (s *TCPServer) Close() error {
	var err error
	s.once.Do(func() {
		err = s.listener.Close()
		s.mu.Lock()
		for _, sc := range s.conns {
			_ = sc.conn.Close()
		}
		s.mu.Unlock()
	})
	return err
}

// TCPClient dials a TCPServer.
type TCPClient struct {
	opts Options

	mu     sync.Mutex
	conn   net.Conn
	closed bool
	cancel context.CancelFunc
}

// NewTCPClient returns an unopened client.
func NewTCPClient(opts Options) *TCPClient {
	return &TCPClient{opts: opts}
}

func (c *TCPClient) TicketRequired() bool { return c.opts.TicketRequired }

// Open dials address in the background.
func (c *TCPClient) Open(ctx context.Context, address string, h ClientHandler) error {
	if h == nil {
		return errors.New("tcp client requires a handler")
	}
	c.mu.Lock()
	if c.conn != nil || c.cancel != nil {
		c.mu.Unlock()
		return protocol.Wrap(protocol.ErrTransport, "tcp", "open", "already open", nil)
	}
	dialCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.closed = false
	c.mu.Unlock()

	go c.run(dialCtx, address, h)
	return nil
}

func (c *TCPClient) run(ctx context.Context, address string, h ClientHandler) {
	defer h.OnDisconnected()

	conn, err := c.dial(ctx, address)
	if err != nil {
		h.OnError(protocol.Wrap(protocol.ErrTransport, "tcp", "dial", address, err))
		c.reset()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		c.reset()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	h.OnConnected()
	for {
		frame, err := protocol.ReadFrame(conn, c.opts.maxFrame())
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed && !errors.Is(err, io.EOF) {
				h.OnError(protocol.Wrap(protocol.ErrTransport, "tcp", "read", "", err))
			}
			_ = conn.Close()
			c.reset()
			return
		}
		h.OnData(frame)
	}
}

func (c *TCPClient) dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	if c.opts.TLS != nil {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: c.opts.TLS}
		return tlsDialer.DialContext(ctx, "tcp", address)
	}
	return dialer.DialContext(ctx, "tcp", address)
}

func (c *TCPClient) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Send writes one frame.
func (c *TCPClient) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return protocol.ErrNotConnected
	}
	if err := protocol.WriteFrame(conn, data); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrTransport, err)
	}
	return nil
}

// Close tears the connection down; OnDisconnected follows asynchronously.
func (c *TCPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
