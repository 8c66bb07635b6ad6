// Package transport carries framed envelopes between a terminal and a signer.
//
// A Client connects to one signer and reports lifecycle and data through a
// ClientHandler. A Server accepts many clients, names each one with an opaque
// id, and reports through a ServerHandler. Handlers are invoked from transport
// goroutines; implementations must hand work off rather than block.
//
// TicketRequired is a capability of the transport: legacy transports that do
// not authenticate peers themselves need the protocol-level auth ticket.
package transport

import (
	"context"
	"net"
)

// ClientHandler receives client-side transport events. OnDisconnected is
// called exactly once per Open, after the last OnData.
type ClientHandler interface {
	OnConnected()
	OnDisconnected()
	OnData(data []byte)
	OnError(err error)
}

// Client is a connection to one signer.
type Client interface {
	// Open starts connecting in the background and returns immediately.
	Open(ctx context.Context, address string, h ClientHandler) error
	Send(data []byte) error
	Close() error
	TicketRequired() bool
}

// ServerHandler receives server-side transport events.
type ServerHandler interface {
	OnClientConnected(clientID string)
	OnClientDisconnected(clientID string)
	OnData(clientID string, data []byte)
	OnPeerConnected(ip string)
	OnPeerDisconnected(ip string)
}

// Server accepts clients until its context is cancelled or Close is called.
type Server interface {
	Serve(ctx context.Context, h ServerHandler) error
	Send(clientID string, data []byte) error
	Disconnect(clientID string) error
	Close() error
	Addr() string
	TicketRequired() bool
}

func peerIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
