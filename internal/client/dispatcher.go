package client

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"headless/internal/logging"
	"headless/internal/protocol"
)

// Completion receives the reply to a request, or the error that ended it.
type Completion func(env protocol.Envelope, err error)

type pendingRequest struct {
	reqType protocol.RequestType
	issued  time.Time
	done    Completion
}

// Dispatcher assigns request ids and matches replies to their callers. Every
// Attach starts a new generation; ids restart at 1 and replies addressed to an
// older generation are discarded.
//
// Completions run on the goroutine that calls Deliver, Reset or Reap.
type Dispatcher struct {
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	mu         sync.Mutex
	send       func([]byte) error
	ticket     []byte
	generation uint64
	lastID     uint32
	pending    map[uint32]*pendingRequest
}

// NewDispatcher returns a detached dispatcher. A zero timeout disables
// request expiry.
func NewDispatcher(timeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:  logging.NewComponentLogger(logger, "dispatcher"),
		timeout: timeout,
		now:     time.Now,
		pending: make(map[uint32]*pendingRequest),
	}
}

// Attach binds the dispatcher to a freshly opened connection and returns the
// new generation.
func (d *Dispatcher) Attach(send func([]byte) error) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.generation++
	d.send = send
	d.ticket = nil
	d.lastID = 0
	return d.generation
}

// SetTicket sets the auth ticket attached to subsequent requests.
func (d *Dispatcher) SetTicket(ticket []byte) {
	d.mu.Lock()
	d.ticket = append([]byte(nil), ticket...)
	d.mu.Unlock()
}

// Send issues a correlated request. A nil completion still consumes an id;
// the reply is then discarded.
func (d *Dispatcher) Send(t protocol.RequestType, payload any, done Completion) (uint32, error) {
	data, err := encode(payload)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	if d.send == nil {
		d.mu.Unlock()
		return 0, protocol.ErrNotConnected
	}
	d.lastID++
	id := d.lastID
	send := d.send
	env := protocol.Envelope{ID: id, Type: t, Data: data, AuthTicket: d.ticket}
	d.pending[id] = &pendingRequest{reqType: t, issued: d.now(), done: done}
	d.mu.Unlock()

	if err := send(env.Marshal()); err != nil {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		return 0, protocol.Wrap(protocol.ErrTransport, "dispatcher", "send "+t.String(), "", err)
	}
	return id, nil
}

// SendUnsolicited sends an envelope with id 0 that expects no reply.
func (d *Dispatcher) SendUnsolicited(t protocol.RequestType, payload any) error {
	data, err := encode(payload)
	if err != nil {
		return err
	}
	d.mu.Lock()
	send := d.send
	env := protocol.Envelope{Type: t, Data: data, AuthTicket: d.ticket}
	d.mu.Unlock()
	if send == nil {
		return protocol.ErrNotConnected
	}
	if err := send(env.Marshal()); err != nil {
		return protocol.Wrap(protocol.ErrTransport, "dispatcher", "send "+t.String(), "", err)
	}
	return nil
}

// Deliver routes a reply received on generation gen. It reports false for
// unsolicited envelopes, which the caller handles itself.
func (d *Dispatcher) Deliver(gen uint64, env protocol.Envelope) bool {
	if env.Unsolicited() {
		return false
	}
	d.mu.Lock()
	if gen != d.generation {
		d.mu.Unlock()
		d.logger.Debug("reply from previous connection dropped",
			logging.Uint32(logging.FieldRequestID, env.ID),
			logging.Uint64("generation", gen),
		)
		return true
	}
	if env.ID > d.lastID {
		last := d.lastID
		d.mu.Unlock()
		d.logger.Warn("reply id was never issued",
			logging.Uint32(logging.FieldRequestID, env.ID),
			logging.Uint32("last_id", last),
			logging.String(logging.FieldRequestType, env.Type.String()),
			logging.String(logging.FieldEventType, "reply_id_out_of_range"),
			logging.String(logging.FieldImpact, "reply dropped"),
		)
		return true
	}
	req, ok := d.pending[env.ID]
	if ok {
		delete(d.pending, env.ID)
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Debug("reply without pending request",
			logging.Uint32(logging.FieldRequestID, env.ID),
			logging.String(logging.FieldRequestType, env.Type.String()),
		)
		return true
	}
	if req.done != nil {
		req.done(env, nil)
	}
	return true
}

// Reset detaches the connection and fails every pending request with err.
func (d *Dispatcher) Reset(err error) int {
	if err == nil {
		err = protocol.ErrDisconnected
	}
	d.mu.Lock()
	d.send = nil
	d.ticket = nil
	d.generation++
	failed := d.drainLocked(func(*pendingRequest) bool { return true })
	d.mu.Unlock()

	for _, req := range failed {
		if req.done != nil {
			req.done(protocol.Envelope{Type: req.reqType}, err)
		}
	}
	return len(failed)
}

// Reap fails requests older than the configured timeout.
func (d *Dispatcher) Reap(now time.Time) int {
	if d.timeout <= 0 {
		return 0
	}
	d.mu.Lock()
	expired := d.drainLocked(func(req *pendingRequest) bool {
		return now.Sub(req.issued) >= d.timeout
	})
	d.mu.Unlock()

	for _, req := range expired {
		d.logger.Warn("request timed out",
			logging.String(logging.FieldRequestType, req.reqType.String()),
			logging.Duration("timeout", d.timeout),
			logging.String(logging.FieldEventType, "request_timeout"),
			logging.String(logging.FieldImpact, "caller receives a timeout error"),
		)
		if req.done != nil {
			req.done(protocol.Envelope{Type: req.reqType}, protocol.ErrRequestTimeout)
		}
	}
	return len(expired)
}

// Outstanding reports the number of requests awaiting a reply.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// drainLocked removes matching requests, returning them in id order.
func (d *Dispatcher) drainLocked(match func(*pendingRequest) bool) []*pendingRequest {
	ids := make([]uint32, 0, len(d.pending))
	for id, req := range d.pending {
		if match(req) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*pendingRequest, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.pending[id])
		delete(d.pending, id)
	}
	return out
}

func encode(payload any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	return protocol.EncodePayload(payload)
}
