package notifications

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"headless/internal/dispatch"
	"headless/internal/logging"
)

const (
	publishTimeout = 15 * time.Second
	closeGrace     = 5 * time.Second
)

// Alerts forwards signer events to a Service from its own queue. Callers
// never block on delivery.
type Alerts struct {
	svc    Service
	logger *slog.Logger
	queue  *dispatch.Queue
}

// NewAlerts starts the delivery queue for svc.
func NewAlerts(svc Service, logger *slog.Logger) *Alerts {
	logger = logging.NewComponentLogger(logger, "notifications")
	a := &Alerts{svc: svc, logger: logger, queue: dispatch.New(logger)}
	a.queue.Start()
	return a
}

// Close waits up to closeGrace for queued events, then stops delivery.
// Whatever is still queued after that is dropped.
func (a *Alerts) Close() {
	flushed := make(chan struct{})
	go func() {
		a.queue.Call(func() {})
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(closeGrace):
	}
	a.queue.Stop()
}

func (a *Alerts) post(event Event, payload Payload) {
	if !Enabled(a.svc) {
		return
	}
	a.queue.Post(func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := a.svc.Publish(ctx, event, payload); err != nil {
			a.logger.Warn("notification not delivered",
				logging.String("event", string(event)),
				logging.Error(err),
				logging.String(logging.FieldEventType, "notification_failed"),
				logging.String(logging.FieldErrorHint, "check operator.ntfy_topic and network access"),
			)
		}
	})
}

func (a *Alerts) PasswordPending(walletID, prompt string, autoSign bool) {
	a.post(EventPasswordPending, Payload{
		"wallet":   walletID,
		"prompt":   prompt,
		"autoSign": strconv.FormatBool(autoSign),
	})
}

func (a *Alerts) AutoSignChanged(walletID string, active bool, reason string) {
	if active {
		a.post(EventAutoSignActivated, Payload{"wallet": walletID})
		return
	}
	a.post(EventAutoSignDeactivated, Payload{"wallet": walletID, "reason": reason})
}

// SignerStarted announces a listening signer.
func (a *Alerts) SignerStarted(network, address string) {
	a.post(EventSignerStarted, Payload{"network": network, "address": address})
}

// Failure reports an error that stops the signer.
func (a *Alerts) Failure(label string, err error) {
	if err == nil {
		return
	}
	a.post(EventError, Payload{"context": label, "error": err.Error()})
}
