package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"headless/internal/protocol"
)

// InprocServer connects clients living in the same process, used by tests
// and by an embedded signer.
type InprocServer struct {
	ticketRequired bool

	mu      sync.Mutex
	handler ServerHandler
	clients map[string]*InprocClient
	ready   chan struct{}
	closed  bool
	done    chan struct{}
}

// NewInprocServer returns a server that accepts InprocClient dials.
func NewInprocServer(ticketRequired bool) *InprocServer {
	return &InprocServer{
		ticketRequired: ticketRequired,
		clients:        make(map[string]*InprocClient),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (s *InprocServer) Addr() string { return "inproc" }

func (s *InprocServer) TicketRequired() bool { return s.ticketRequired }

// Serve registers h and blocks until ctx is done or Close is called.
func (s *InprocServer) Serve(ctx context.Context, h ServerHandler) error {
	s.mu.Lock()
	if s.handler != nil {
		s.mu.Unlock()
		return errors.New("inproc server already serving")
	}
	s.handler = h
	close(s.ready)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		_ = s.Close()
	case <-s.done:
	}
	return nil
}

// Dial returns a client bound to this server.
func (s *InprocServer) Dial() *InprocClient {
	return &InprocClient{server: s, ticketRequired: s.ticketRequired}
}

func (s *InprocServer) attach(c *InprocClient) (string, ServerHandler, error) {
	select {
	case <-s.ready:
	case <-s.done:
		return "", nil, protocol.Wrap(protocol.ErrTransport, "inproc", "dial", "server closed", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", nil, protocol.Wrap(protocol.ErrTransport, "inproc", "dial", "server closed", nil)
	}
	id := uuid.NewString()
	s.clients[id] = c
	return id, s.handler, nil
}

func (s *InprocServer) detach(id string) (ServerHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[id]; !ok {
		return nil, false
	}
	delete(s.clients, id)
	return s.handler, true
}

// Send delivers data to clientID on a fresh goroutine.
func (s *InprocServer) Send(clientID string, data []byte) error {
	s.mu.Lock()
	c, ok := s.clients[clientID]
	s.mu.Unlock()
	if !ok {
		return protocol.Wrap(protocol.ErrTransport, "inproc", "send", "unknown client "+clientID, nil)
	}
	c.deliver(append([]byte(nil), data...))
	return nil
}

// Disconnect drops clientID as if the peer closed.
func (s *InprocServer) Disconnect(clientID string) error {
	s.mu.Lock()
	c, ok := s.clients[clientID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

// Close drops every client and releases Serve.
func (s *InprocServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := make([]*InprocClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	close(s.done)
	s.mu.Unlock()
	for _, c := range clients {
		_ = c.Close()
	}
	return nil
}

// InprocClient is the client half of an in-process pair. Messages in each
// direction are delivered in order by a single goroutine.
type InprocClient struct {
	server         *InprocServer
	ticketRequired bool

	mu       sync.Mutex
	id       string
	handler  ClientHandler
	inbox    chan []byte
	shutdown chan struct{}
	open     bool
}

func (c *InprocClient) TicketRequired() bool { return c.ticketRequired }

// Open attaches to the server; address is ignored.
func (c *InprocClient) Open(ctx context.Context, _ string, h ClientHandler) error {
	if h == nil {
		return errors.New("inproc client requires a handler")
	}
	c.mu.Lock()
	if c.open {
		c.mu.Unlock()
		return protocol.Wrap(protocol.ErrTransport, "inproc", "open", "already open", nil)
	}
	c.open = true
	c.handler = h
	c.inbox = make(chan []byte, 64)
	c.shutdown = make(chan struct{})
	c.mu.Unlock()

	go func() {
		id, sh, err := c.server.attach(c)
		if err != nil {
			h.OnError(err)
			c.mu.Lock()
			c.open = false
			c.mu.Unlock()
			h.OnDisconnected()
			return
		}
		c.mu.Lock()
		c.id = id
		inbox, shutdown := c.inbox, c.shutdown
		c.mu.Unlock()

		sh.OnPeerConnected("127.0.0.1")
		sh.OnClientConnected(id)
		h.OnConnected()
		for {
			select {
			case data := <-inbox:
				h.OnData(data)
			case <-shutdown:
				if sh, ok := c.server.detach(id); ok {
					sh.OnClientDisconnected(id)
					sh.OnPeerDisconnected("127.0.0.1")
				}
				h.OnDisconnected()
				return
			case <-ctx.Done():
				_ = c.Close()
			}
		}
	}()
	return nil
}

func (c *InprocClient) deliver(data []byte) {
	c.mu.Lock()
	inbox, shutdown, open := c.inbox, c.shutdown, c.open
	c.mu.Unlock()
	if !open {
		return
	}
	select {
	case inbox <- data:
	case <-shutdown:
	}
}

// Send hands data to the server handler.
func (c *InprocClient) Send(data []byte) error {
	c.mu.Lock()
	id, open := c.id, c.open
	c.mu.Unlock()
	if !open || id == "" {
		return protocol.ErrNotConnected
	}
	c.server.mu.Lock()
	h := c.server.handler
	_, attached := c.server.clients[id]
	c.server.mu.Unlock()
	if !attached {
		return protocol.ErrNotConnected
	}
	h.OnData(id, append([]byte(nil), data...))
	return nil
}

// Close ends the session; OnDisconnected follows asynchronously.
func (c *InprocClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil
	}
	c.open = false
	c.id = ""
	close(c.shutdown)
	return nil
}
