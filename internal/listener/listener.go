// Package listener is the signer side of the headless protocol. It tracks
// terminal sessions, gates requests on authentication and the watching-only
// policy, and runs every handler on one dispatch queue so the password and
// auto-sign state it owns needs no further locking.
package listener

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"headless/internal/auth"
	"headless/internal/autosign"
	"headless/internal/dispatch"
	"headless/internal/logging"
	"headless/internal/metrics"
	"headless/internal/password"
	"headless/internal/protocol"
	"headless/internal/wallet"
)

// Sender is the part of a transport server the listener writes to.
type Sender interface {
	Send(clientID string, data []byte) error
	Disconnect(clientID string) error
	TicketRequired() bool
}

// Options configures a Listener.
type Options struct {
	Network      protocol.NetworkType
	WatchingOnly bool
	Limits       autosign.Limits
	// SignerKey is the hex identity key returned in AuthenticationReply.
	SignerKey string
	TicketTTL time.Duration
	Metrics   *metrics.Listener
}

// Status is a snapshot for operators.
type Status struct {
	Network      protocol.NetworkType
	WatchingOnly bool
	Clients      []string
	Peers        []string
	AutoSign     autosign.Status
	Outstanding  []string
	QueueDepth   int
}

type session struct {
	clientID      string
	authenticated bool
	ticket        string
	userID        string
}

type signOp struct {
	clientID string
	id       uint32
	reqType  protocol.RequestType
	txID     string
	done     bool
}

type activation struct {
	clientID string
	id       uint32
}

// Listener implements transport.ServerHandler.
type Listener struct {
	logger   *slog.Logger
	opts     Options
	engine   wallet.Engine
	sender   Sender
	queue    *dispatch.Queue
	validate *validator.Validate
	tickets  *auth.Issuer
	metrics  *metrics.Listener

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*session

	// Owned by the dispatch queue.
	policy      *autosign.Policy
	passwords   *password.Orchestrator
	callbacks   HostCallbacks
	pending     map[string]*signOp
	activations map[string]activation
	peers       map[string]int
	closed      bool
}

// New builds a listener writing to sender. It starts the dispatch queue; call
// Close to release it.
func New(engine wallet.Engine, sender Sender, opts Options, logger *slog.Logger) (*Listener, error) {
	logger = logging.NewComponentLogger(logger, "listener")
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		logger:      logger,
		opts:        opts,
		engine:      engine,
		sender:      sender,
		queue:       dispatch.New(logger),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		metrics:     opts.Metrics,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*session),
		pending:     make(map[string]*signOp),
		activations: make(map[string]activation),
		peers:       make(map[string]int),
	}
	if sender != nil && sender.TicketRequired() {
		issuer, err := auth.NewIssuer(opts.TicketTTL)
		if err != nil {
			cancel()
			return nil, err
		}
		l.tickets = issuer
	}
	l.policy = autosign.New(engine, opts.Limits, logger)
	l.policy.AddObserver(policyObserver{l})
	l.passwords = password.New(engine, l.policy, prompter{l}, l.onActivationPassword, logger)
	l.queue.Start()
	l.publishBudget()

	logger.Info("protocol listener ready",
		logging.String(logging.FieldNetwork, opts.Network.String()),
		logging.Bool("watching_only", opts.WatchingOnly),
		logging.Bool("ticket_required", l.tickets != nil),
		logging.String(logging.FieldEventType, "listener_ready"),
	)
	return l, nil
}

// QueueDepth reports the dispatch backlog.
func (l *Listener) QueueDepth() int { return l.queue.Len() }

// OnClientConnected registers a session.
func (l *Listener) OnClientConnected(clientID string) {
	l.mu.Lock()
	l.sessions[clientID] = &session{clientID: clientID}
	l.mu.Unlock()
	l.metrics.ClientConnected()
	l.logger.Debug("client connected", logging.String(logging.FieldClientID, clientID))
}

// OnClientDisconnected drops a session and everything scoped to it.
func (l *Listener) OnClientDisconnected(clientID string) {
	l.mu.Lock()
	_, known := l.sessions[clientID]
	delete(l.sessions, clientID)
	l.mu.Unlock()
	if !known {
		return
	}
	l.metrics.ClientDisconnected()
	l.logger.Debug("client disconnected", logging.String(logging.FieldClientID, clientID))

	l.queue.Post(func() {
		l.passwords.DropClient(clientID)
		for txID, op := range l.pending {
			if op.clientID == clientID {
				op.done = true
				delete(l.pending, txID)
			}
		}
		for rootID, act := range l.activations {
			if act.clientID == clientID {
				delete(l.activations, rootID)
			}
		}
		if l.callbacks != nil {
			l.callbacks.ClientDisconnected(clientID)
		}
	})
}

// OnPeerConnected records a peer address.
func (l *Listener) OnPeerConnected(ip string) {
	l.queue.Post(func() {
		l.peers[ip]++
		if l.callbacks != nil {
			l.callbacks.PeerConnected(ip)
		}
	})
}

// OnPeerDisconnected forgets a peer address once its last connection closes.
func (l *Listener) OnPeerDisconnected(ip string) {
	l.queue.Post(func() {
		if l.peers[ip] <= 1 {
			delete(l.peers, ip)
		} else {
			l.peers[ip]--
		}
		if l.callbacks != nil {
			l.callbacks.PeerDisconnected(ip)
		}
	})
}

// OnData decodes an envelope and queues it. Malformed input is dropped.
func (l *Listener) OnData(clientID string, data []byte) {
	env, err := protocol.Unmarshal(data)
	if err != nil {
		l.metrics.Reject("malformed")
		l.logger.Warn("dropping malformed envelope",
			logging.String(logging.FieldClientID, clientID),
			logging.Error(err),
			logging.String(logging.FieldEventType, "envelope_malformed"),
			logging.String(logging.FieldImpact, "request ignored"),
			logging.String(logging.FieldErrorHint, "check terminal and signer versions match"),
		)
		return
	}
	l.queue.Post(func() { l.process(clientID, env) })
}

func (l *Listener) session(clientID string) *session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sessions[clientID]
}

func (l *Listener) authenticatedSessions() []*session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*session, 0, len(l.sessions))
	for _, s := range l.sessions {
		if s.authenticated {
			out = append(out, s)
		}
	}
	return out
}

func (l *Listener) send(clientID string, env protocol.Envelope) bool {
	if l.sender == nil {
		return false
	}
	if s := l.session(clientID); s != nil && s.ticket != "" {
		env.AuthTicket = []byte(s.ticket)
	}
	if err := l.sender.Send(clientID, env.Marshal()); err != nil {
		l.logger.Warn("failed to send reply",
			logging.String(logging.FieldClientID, clientID),
			logging.Uint32(logging.FieldRequestID, env.ID),
			logging.String(logging.FieldRequestType, env.Type.String()),
			logging.Error(err),
			logging.String(logging.FieldEventType, "reply_send_failed"),
			logging.String(logging.FieldImpact, "terminal will not receive the reply"),
		)
		return false
	}
	return true
}

func (l *Listener) reply(clientID string, id uint32, t protocol.RequestType, payload any) {
	data, err := protocol.EncodePayload(payload)
	if err != nil {
		l.logger.Error("failed to encode reply", logging.String(logging.FieldRequestType, t.String()), logging.Error(err))
		return
	}
	l.send(clientID, protocol.Envelope{ID: id, Type: t, Data: data})
}

// reject answers with the request's id and type and no payload.
func (l *Listener) reject(clientID string, env protocol.Envelope, reason string) {
	l.metrics.Reject(reason)
	l.send(clientID, protocol.Envelope{ID: env.ID, Type: env.Type})
}

// broadcast sends an unsolicited message to every authenticated session.
func (l *Listener) broadcast(t protocol.RequestType, payload any) {
	var data []byte
	if payload != nil {
		encoded, err := protocol.EncodePayload(payload)
		if err != nil {
			l.logger.Error("failed to encode broadcast", logging.String(logging.FieldRequestType, t.String()), logging.Error(err))
			return
		}
		data = encoded
	}
	for _, s := range l.authenticatedSessions() {
		l.send(s.clientID, protocol.Envelope{Type: t, Data: data})
	}
}

func (l *Listener) publishBudget() {
	st := l.policy.Status()
	l.metrics.Budget(st.AutoSignRemaining, st.ManualRemaining, len(st.ActiveWallets))
}

// SetCallbacks installs host callbacks. A nil value removes them.
func (l *Listener) SetCallbacks(cb HostCallbacks) {
	l.queue.Call(func() { l.callbacks = cb })
}

// PasswordReceived delivers a password collected by the host.
func (l *Listener) PasswordReceived(walletID string, secret []byte, cancelled bool) {
	secret = append([]byte(nil), secret...)
	l.queue.Post(func() { l.passwords.Received(walletID, secret, cancelled) })
}

// ActivateAutoSign enables unattended signing for walletID's root, or the
// primary wallet when walletID is empty.
func (l *Listener) ActivateAutoSign(walletID string, secret []byte) (string, error) {
	var (
		rootID string
		err    error
	)
	if !l.queue.Call(func() { rootID, err = l.policy.Activate(walletID, secret) }) {
		return "", protocol.Wrap(protocol.ErrPolicy, "listener", "activate auto-sign", "listener stopped", nil)
	}
	return rootID, err
}

// DeactivateAutoSign disables unattended signing for walletID's root, or for
// every wallet when walletID is empty.
func (l *Listener) DeactivateAutoSign(walletID, reason string) {
	l.queue.Call(func() { l.policy.Deactivate(walletID, reason) })
}

// SetLimits installs new budgets and refills both counters.
func (l *Listener) SetLimits(limits autosign.Limits) {
	l.queue.Call(func() {
		l.policy.SetLimits(limits)
		l.publishBudget()
	})
}

// WalletsListUpdated tells every terminal to resynchronise its wallet list.
func (l *Listener) WalletsListUpdated() {
	l.queue.Post(func() { l.broadcast(protocol.TypeWalletsListUpdated, nil) })
}

// Disconnect sends a Disconnection notice and drops clientID, or every
// client when clientID is empty.
func (l *Listener) Disconnect(clientID string) {
	l.queue.Call(func() { l.disconnect(clientID) })
}

func (l *Listener) disconnect(clientID string) {
	if l.sender == nil {
		return
	}
	targets := []string{clientID}
	if clientID == "" {
		l.mu.RLock()
		targets = make([]string, 0, len(l.sessions))
		for id := range l.sessions {
			targets = append(targets, id)
		}
		l.mu.RUnlock()
	}
	for _, id := range targets {
		l.send(id, protocol.Envelope{Type: protocol.TypeDisconnection})
		_ = l.sender.Disconnect(id)
	}
}

// Status returns a snapshot of sessions and policy.
func (l *Listener) Status() Status {
	st := Status{Network: l.opts.Network, WatchingOnly: l.opts.WatchingOnly}
	l.queue.Call(func() {
		st.AutoSign = l.policy.Status()
		st.Outstanding = l.passwords.Outstanding()
		for ip := range l.peers {
			st.Peers = append(st.Peers, ip)
		}
	})
	l.mu.RLock()
	for id := range l.sessions {
		st.Clients = append(st.Clients, id)
	}
	l.mu.RUnlock()
	sort.Strings(st.Clients)
	sort.Strings(st.Peers)
	sort.Strings(st.AutoSign.ActiveWallets)
	st.QueueDepth = l.queue.Len()
	return st
}

// Close disconnects every client, waits for off-queue work and stops the
// dispatch queue.
func (l *Listener) Close() {
	l.queue.Call(func() {
		if !l.closed {
			l.closed = true
			l.disconnect("")
		}
	})
	l.cancel()
	l.workers.Wait()
	l.queue.Stop()
}

// offQueue runs work on its own goroutine and posts finish back onto the
// dispatch queue.
func (l *Listener) offQueue(work func(ctx context.Context) func()) {
	l.workers.Add(1)
	go func() {
		defer l.workers.Done()
		finish := work(l.ctx)
		if finish != nil {
			l.queue.Post(finish)
		}
	}()
}

type policyObserver struct{ l *Listener }

func (o policyObserver) AutoSignActivated(walletID string) {
	if o.l.callbacks != nil {
		o.l.callbacks.AutoSignActivated(walletID)
	}
	o.l.broadcast(protocol.TypeSetLimits, protocol.AutoSignActiveReply{RootWalletID: walletID, AutoSignActive: true})
	o.l.publishBudget()
}

func (o policyObserver) AutoSignDeactivated(walletID, reason string) {
	if o.l.callbacks != nil {
		o.l.callbacks.AutoSignDeactivated(walletID, reason)
	}
	o.l.broadcast(protocol.TypeSetLimits, protocol.AutoSignActiveReply{RootWalletID: walletID, Error: reason})
	o.l.publishBudget()
}

type prompter struct{ l *Listener }

func (p prompter) RequestPassword(clientID string, req protocol.PasswordRequest) {
	p.l.metrics.Prompt()
	if host, ok := p.l.callbacks.(PasswordPrompter); ok {
		host.PromptPassword(clientID, req)
		return
	}
	if clientID == "" {
		p.l.broadcast(protocol.TypePassword, req)
		return
	}
	p.l.reply(clientID, 0, protocol.TypePassword, req)
}
