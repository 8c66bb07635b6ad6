package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"headless/internal/dispatch"
	"headless/internal/logging"
	"headless/internal/protocol"
	"headless/internal/transport"
)

// State is the connection state of a Supervisor.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// Observer receives connection and unsolicited signer events. Methods run on
// the supervisor's event goroutine and must not call back into blocking
// Supervisor methods.
type Observer interface {
	Connected()
	// Ready ends a connection attempt: err is nil once authenticated.
	Ready(err error)
	// Disconnected ends an authenticated session; err is nil when the
	// terminal asked for it.
	Disconnected(err error)
	PasswordRequested(req protocol.PasswordRequest)
	AutoSignStateChanged(state protocol.AutoSignActiveReply)
	WalletsListUpdated()
}

// NopObserver implements Observer with no-ops; embed it to override a subset.
type NopObserver struct{}

func (NopObserver) Connected()                                        {}
func (NopObserver) Ready(error)                                       {}
func (NopObserver) Disconnected(error)                                {}
func (NopObserver) PasswordRequested(protocol.PasswordRequest)        {}
func (NopObserver) AutoSignStateChanged(protocol.AutoSignActiveReply) {}
func (NopObserver) WalletsListUpdated()                               {}

// Options configures a Supervisor.
type Options struct {
	Address string
	Network protocol.NetworkType
	// SignerKey, when set, must match the key the signer announces.
	SignerKey      string
	RequestTimeout time.Duration
	// ReconnectDelay enables automatic reconnection after transport loss.
	ReconnectDelay time.Duration
}

// Supervisor owns one transport client and drives it through
// connect, authenticate and ready. All state transitions happen on a single
// dispatch queue.
type Supervisor struct {
	logger     *slog.Logger
	opts       Options
	transport  transport.Client
	queue      *dispatch.Queue
	dispatcher *Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	state State
	info  protocol.AuthenticationReply

	// queue-owned
	attempt    uint64
	generation uint64
	ticket     string
	observers  []Observer
	transErr   error
	wantOnline bool
	closed     bool
	retry      *time.Timer
}

// NewSupervisor returns an idle supervisor. Call Connect to start.
func NewSupervisor(tr transport.Client, opts Options, logger *slog.Logger) *Supervisor {
	logger = logging.NewComponentLogger(logger, "supervisor")
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		logger:     logger,
		opts:       opts,
		transport:  tr,
		queue:      dispatch.New(logger),
		dispatcher: NewDispatcher(opts.RequestTimeout, logger),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.queue.Start()
	if opts.RequestTimeout > 0 {
		s.wg.Add(1)
		go s.reaper()
	}
	return s
}

// AddObserver registers o for connection events.
func (s *Supervisor) AddObserver(o Observer) {
	if o == nil {
		return
	}
	s.queue.Call(func() { s.observers = append(s.observers, o) })
}

// State reports the current connection state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SignerInfo returns the last successful authentication reply.
func (s *Supervisor) SignerInfo() protocol.AuthenticationReply {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// Outstanding reports requests awaiting a reply.
func (s *Supervisor) Outstanding() int { return s.dispatcher.Outstanding() }

// Connect starts connecting in the background. It never blocks on the
// network; progress is reported to observers.
func (s *Supervisor) Connect() {
	s.queue.Post(func() {
		s.wantOnline = true
		s.open()
	})
}

// Disconnect notifies the signer and closes the connection. Pending requests
// fail with ErrDisconnected.
func (s *Supervisor) Disconnect() {
	s.queue.Call(func() {
		s.wantOnline = false
		s.stopRetry()
		s.shutdown(nil)
	})
}

// Close disconnects and releases the supervisor's goroutines.
func (s *Supervisor) Close() {
	s.queue.Call(func() {
		s.closed = true
		s.wantOnline = false
		s.stopRetry()
		s.shutdown(nil)
	})
	s.cancel()
	s.wg.Wait()
	// completions failed by shutdown are still queued
	s.queue.Call(func() {})
	s.queue.Stop()
}

// Send issues a correlated request. The completion runs on the supervisor's
// event goroutine.
func (s *Supervisor) Send(t protocol.RequestType, payload any, done Completion) (uint32, error) {
	if s.State() != StateAuthenticated {
		return 0, protocol.ErrNotConnected
	}
	return s.dispatcher.Send(t, payload, s.onQueue(done))
}

// SendUnsolicited sends a message with id 0.
func (s *Supervisor) SendUnsolicited(t protocol.RequestType, payload any) error {
	if s.State() != StateAuthenticated {
		return protocol.ErrNotConnected
	}
	return s.dispatcher.SendUnsolicited(t, payload)
}

// onQueue makes sure a completion runs on the event goroutine no matter which
// goroutine resolves it.
func (s *Supervisor) onQueue(done Completion) Completion {
	if done == nil {
		return nil
	}
	return func(env protocol.Envelope, err error) {
		if !s.queue.Post(func() { done(env, err) }) {
			done(env, protocol.ErrDisconnected)
		}
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	if prev != state {
		s.logger.Debug("connection state changed",
			logging.String("from", prev.String()),
			logging.String("to", state.String()),
		)
	}
}

func (s *Supervisor) open() {
	if s.closed || s.State() != StateDisconnected {
		return
	}
	s.attempt++
	s.transErr = nil
	s.setState(StateConnecting)
	s.logger.Info("connecting to signer",
		logging.String(logging.FieldPeer, s.opts.Address),
		logging.String(logging.FieldNetwork, s.opts.Network.String()),
		logging.String(logging.FieldEventType, "signer_connecting"),
	)
	if err := s.transport.Open(s.ctx, s.opts.Address, &connHandler{s: s, attempt: s.attempt}); err != nil {
		s.teardown(protocol.Wrap(protocol.ErrTransport, "supervisor", "open", s.opts.Address, err))
	}
}

// shutdown ends the current attempt from the terminal side.
func (s *Supervisor) shutdown(cause error) {
	if s.State() == StateDisconnected {
		return
	}
	if s.State() == StateAuthenticated && cause == nil {
		_ = s.dispatcher.SendUnsolicited(protocol.TypeDisconnection, nil)
	}
	s.attempt++
	_ = s.transport.Close()
	s.teardown(cause)
}

// teardown moves to Disconnected, fails pending requests and tells observers.
// A nil cause means the terminal disconnected on purpose.
func (s *Supervisor) teardown(cause error) {
	prev := s.State()
	if prev == StateDisconnected {
		return
	}
	s.setState(StateDisconnected)
	s.mu.Lock()
	s.info = protocol.AuthenticationReply{}
	s.mu.Unlock()
	s.ticket = ""

	pendingErr := protocol.ErrDisconnected
	if cause != nil && !errors.Is(cause, protocol.ErrTransport) {
		pendingErr = cause
	}
	if n := s.dispatcher.Reset(pendingErr); n > 0 {
		s.logger.Info("pending requests failed on disconnect",
			logging.Int("count", n),
			logging.String(logging.FieldEventType, "pending_flushed"),
		)
	}

	if prev == StateAuthenticated {
		if cause != nil {
			s.logger.Warn("signer connection lost",
				logging.Error(cause),
				logging.String(logging.FieldEventType, "signer_disconnected"),
				logging.String(logging.FieldImpact, "signing unavailable until reconnected"),
			)
		}
		for _, o := range s.observers {
			o.Disconnected(cause)
		}
	} else {
		readyErr := cause
		if readyErr == nil {
			readyErr = protocol.ErrDisconnected
		}
		s.logger.Warn("signer connection attempt failed",
			logging.Error(readyErr),
			logging.String(logging.FieldEventType, "signer_connect_failed"),
			logging.String(logging.FieldErrorHint, "check signer address, network and that the signer is running"),
		)
		s.reportReady(readyErr)
	}
	s.scheduleRetry(cause)
}

// reportReady ends an attempt that never reached the transport.
func (s *Supervisor) reportReady(err error) {
	for _, o := range s.observers {
		o.Ready(err)
	}
}

func (s *Supervisor) scheduleRetry(cause error) {
	if s.closed || !s.wantOnline || s.opts.ReconnectDelay <= 0 || cause == nil {
		return
	}
	if errors.Is(cause, protocol.ErrAuth) {
		s.wantOnline = false
		return
	}
	s.stopRetry()
	s.retry = time.AfterFunc(s.opts.ReconnectDelay, func() {
		s.queue.Post(s.open)
	})
}

func (s *Supervisor) stopRetry() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Supervisor) fail(err error) {
	logging.ErrorWithContext(s.logger, "signer authentication failed", "signer_auth_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "verify the network type and signer identity key"),
	)
	s.shutdown(err)
}

func (s *Supervisor) onConnected(attempt uint64) {
	if attempt != s.attempt || s.State() != StateConnecting {
		return
	}
	s.generation = s.dispatcher.Attach(s.transport.Send)
	s.setState(StateAuthenticating)
	for _, o := range s.observers {
		o.Connected()
	}
	_, err := s.dispatcher.Send(protocol.TypeAuthentication,
		protocol.AuthenticationRequest{NetType: s.opts.Network}, s.onQueue(s.authReply(attempt)))
	if err != nil {
		s.shutdown(err)
	}
}

func (s *Supervisor) authReply(attempt uint64) Completion {
	return func(env protocol.Envelope, err error) {
		if attempt != s.attempt || s.State() != StateAuthenticating {
			return
		}
		if err != nil {
			s.shutdown(err)
			return
		}
		s.onAuthReply(env)
	}
}

func (s *Supervisor) onAuthReply(env protocol.Envelope) {
	if len(env.Data) == 0 {
		s.fail(protocol.Wrap(protocol.ErrAuth, "supervisor", "authenticate", "request rejected", nil))
		return
	}
	var reply protocol.AuthenticationReply
	if err := protocol.DecodePayload(env.Data, &reply); err != nil {
		s.fail(protocol.Wrap(protocol.ErrAuth, "supervisor", "authenticate", "malformed reply", err))
		return
	}
	switch {
	case reply.NetType != s.opts.Network:
		s.fail(protocol.Wrap(protocol.ErrNetworkMismatch, "supervisor", "authenticate",
			"signer runs "+reply.NetType.String()+", expected "+s.opts.Network.String(), nil))
		return
	case reply.Error != "":
		s.fail(protocol.Wrap(protocol.ErrAuth, "supervisor", "authenticate", reply.Error, nil))
		return
	case s.opts.SignerKey != "" && reply.SignerKey != s.opts.SignerKey:
		s.fail(protocol.Wrap(protocol.ErrAuth, "supervisor", "authenticate", "signer identity key mismatch", nil))
		return
	case s.transport.TicketRequired() && reply.AuthTicket == "":
		s.fail(protocol.Wrap(protocol.ErrAuth, "supervisor", "authenticate", "no auth ticket issued", nil))
		return
	}

	s.ticket = reply.AuthTicket
	s.dispatcher.SetTicket([]byte(reply.AuthTicket))
	s.mu.Lock()
	s.info = reply
	s.mu.Unlock()
	s.setState(StateAuthenticated)
	s.logger.Info("signer ready",
		logging.String(logging.FieldPeer, s.opts.Address),
		logging.String(logging.FieldNetwork, reply.NetType.String()),
		logging.Bool("has_ui", reply.HasUI),
		logging.String(logging.FieldEventType, "signer_ready"),
	)
	s.reportReady(nil)
}

func (s *Supervisor) onData(attempt uint64, data []byte) {
	if attempt != s.attempt {
		return
	}
	env, err := protocol.Unmarshal(data)
	if err != nil {
		s.logger.Warn("malformed envelope from signer",
			logging.Error(err),
			logging.String(logging.FieldEventType, "envelope_malformed"),
			logging.String(logging.FieldImpact, "message dropped"),
		)
		return
	}

	if s.transport.TicketRequired() {
		if s.State() != StateAuthenticated {
			if env.Type == protocol.TypeDisconnection && len(env.AuthTicket) == 0 {
				s.fail(protocol.Wrap(protocol.ErrAuth, "supervisor", "authenticate", "signer closed the session", nil))
				return
			}
		} else if string(env.AuthTicket) != s.ticket {
			s.logger.Warn("reply carries a foreign auth ticket",
				logging.Uint32(logging.FieldRequestID, env.ID),
				logging.String(logging.FieldRequestType, env.Type.String()),
				logging.String(logging.FieldEventType, "reply_ticket_mismatch"),
				logging.String(logging.FieldImpact, "message dropped"),
			)
			return
		}
	}

	if s.dispatcher.Deliver(s.generation, env) {
		return
	}
	s.onUnsolicited(env)
}

func (s *Supervisor) onUnsolicited(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeDisconnection:
		if s.State() != StateAuthenticated {
			s.fail(protocol.Wrap(protocol.ErrAuth, "supervisor", "authenticate", "signer closed the session", nil))
			return
		}
		s.shutdown(protocol.Wrap(protocol.ErrTransport, "supervisor", "session", "signer closed the session", nil))
	case protocol.TypePassword:
		var req protocol.PasswordRequest
		if !s.decodeUnsolicited(env, &req) {
			return
		}
		for _, o := range s.observers {
			o.PasswordRequested(req)
		}
	case protocol.TypeSetLimits:
		var state protocol.AutoSignActiveReply
		if !s.decodeUnsolicited(env, &state) {
			return
		}
		for _, o := range s.observers {
			o.AutoSignStateChanged(state)
		}
	case protocol.TypeWalletsListUpdated:
		for _, o := range s.observers {
			o.WalletsListUpdated()
		}
	case protocol.TypeHeartbeat:
	default:
		s.logger.Debug("unsolicited message ignored", logging.String(logging.FieldRequestType, env.Type.String()))
	}
}

func (s *Supervisor) decodeUnsolicited(env protocol.Envelope, v any) bool {
	if err := protocol.DecodePayload(env.Data, v); err != nil {
		s.logger.Warn("malformed unsolicited payload",
			logging.String(logging.FieldRequestType, env.Type.String()),
			logging.Error(err),
			logging.String(logging.FieldEventType, "payload_malformed"),
		)
		return false
	}
	return true
}

func (s *Supervisor) onTransportError(attempt uint64, err error) {
	if attempt != s.attempt {
		return
	}
	s.transErr = err
	s.logger.Debug("transport error", logging.Error(err))
}

func (s *Supervisor) onDisconnected(attempt uint64) {
	if attempt != s.attempt {
		return
	}
	cause := s.transErr
	if cause == nil {
		cause = protocol.ErrDisconnected
	} else if !errors.Is(cause, protocol.ErrTransport) {
		cause = protocol.Wrap(protocol.ErrTransport, "supervisor", "connection", "", cause)
	}
	s.attempt++
	s.teardown(cause)
}

func (s *Supervisor) reaper() {
	defer s.wg.Done()
	interval := s.opts.RequestTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.dispatcher.Reap(now)
		}
	}
}

// connHandler forwards transport events for one connection attempt onto the
// supervisor queue.
type connHandler struct {
	s       *Supervisor
	attempt uint64
}

func (h *connHandler) OnConnected() {
	h.s.queue.Post(func() { h.s.onConnected(h.attempt) })
}

func (h *connHandler) OnDisconnected() {
	h.s.queue.Post(func() { h.s.onDisconnected(h.attempt) })
}

func (h *connHandler) OnData(data []byte) {
	h.s.queue.Post(func() { h.s.onData(h.attempt, data) })
}

func (h *connHandler) OnError(err error) {
	h.s.queue.Post(func() { h.s.onTransportError(h.attempt, err) })
}
