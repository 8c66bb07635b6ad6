// Package host holds the signer-side callback implementations: a prompt inbox
// the operator answers over IPC and a console prompter for interactive runs.
package host

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"headless/internal/amount"
	"headless/internal/listener"
	"headless/internal/logging"
	"headless/internal/protocol"
)

// ErrNoPrompt is returned when answering a wallet nobody asked about.
var ErrNoPrompt = errors.New("no password prompt pending for wallet")

// Receiver takes passwords collected by the host.
type Receiver interface {
	PasswordReceived(walletID string, secret []byte, cancelled bool)
}

// Prompt is a password request waiting for the operator.
type Prompt struct {
	WalletID string    `json:"wallet_id"`
	ClientID string    `json:"client_id,omitempty"`
	Text     string    `json:"prompt"`
	AutoSign bool      `json:"auto_sign,omitempty"`
	Since    time.Time `json:"since"`
}

// Activity summarises what the signer did since start.
type Activity struct {
	Signed          int       `json:"signed"`
	Cancelled       int       `json:"cancelled"`
	SpentManual     uint64    `json:"spent_manual"`
	SpentAutoSign   uint64    `json:"spent_auto_sign"`
	AutoSignWallets []string  `json:"auto_sign_wallets,omitempty"`
	LastEvent       string    `json:"last_event,omitempty"`
	LastEventAt     time.Time `json:"last_event_at,omitzero"`
}

// Alerts is told about events the operator should hear of even when nobody
// watches the console. Calls must not block.
type Alerts interface {
	PasswordPending(walletID, prompt string, autoSign bool)
	AutoSignChanged(walletID string, active bool, reason string)
}

// Inbox implements listener.HostCallbacks and listener.PasswordPrompter.
// Prompts are held until Answer is called for their wallet.
type Inbox struct {
	listener.NopCallbacks

	logger   *slog.Logger
	receiver Receiver
	now      func() time.Time

	mu          sync.Mutex
	prompts     map[string]Prompt
	subscribers []chan Prompt
	activity    Activity
	autoSign    map[string]struct{}
	alerts      Alerts
}

var (
	_ listener.HostCallbacks    = (*Inbox)(nil)
	_ listener.PasswordPrompter = (*Inbox)(nil)
)

// NewInbox creates an inbox delivering answers to receiver.
func NewInbox(receiver Receiver, logger *slog.Logger) *Inbox {
	return &Inbox{
		logger:   logging.NewComponentLogger(logger, "host"),
		receiver: receiver,
		now:      time.Now,
		prompts:  make(map[string]Prompt),
		autoSign: make(map[string]struct{}),
	}
}

// PromptPassword records a request. A repeated request for the same wallet
// replaces the earlier text; one answer serves both.
func (b *Inbox) PromptPassword(clientID string, req protocol.PasswordRequest) {
	p := Prompt{
		WalletID: req.WalletID,
		ClientID: clientID,
		Text:     req.Prompt,
		AutoSign: req.AutoSign,
		Since:    b.now(),
	}
	b.mu.Lock()
	prev, repeated := b.prompts[p.WalletID]
	if repeated {
		p.Since = prev.Since
	}
	b.prompts[p.WalletID] = p
	subs := append([]chan Prompt(nil), b.subscribers...)
	alerts := b.alerts
	b.mu.Unlock()

	if alerts != nil && !repeated {
		alerts.PasswordPending(p.WalletID, p.Text, p.AutoSign)
	}

	b.logger.Info("password requested",
		logging.String(logging.FieldWalletID, p.WalletID),
		logging.String(logging.FieldClientID, clientID),
		logging.Bool("auto_sign", p.AutoSign),
		logging.String(logging.FieldEventType, "password_prompt_pending"),
	)
	for _, ch := range subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// Prompts lists pending prompts, oldest first.
func (b *Inbox) Prompts() []Prompt {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Prompt, 0, len(b.prompts))
	for _, p := range b.prompts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Since.Equal(out[j].Since) {
			return out[i].Since.Before(out[j].Since)
		}
		return out[i].WalletID < out[j].WalletID
	})
	return out
}

// Pending reports whether walletID has an unanswered prompt.
func (b *Inbox) Pending(walletID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.prompts[walletID]
	return ok
}

// Answer delivers secret for a pending prompt. cancelled declines it.
func (b *Inbox) Answer(walletID string, secret []byte, cancelled bool) error {
	b.mu.Lock()
	_, ok := b.prompts[walletID]
	delete(b.prompts, walletID)
	b.mu.Unlock()
	if !ok {
		return ErrNoPrompt
	}
	b.logger.Info("password answered",
		logging.String(logging.FieldWalletID, walletID),
		logging.Bool("cancelled", cancelled),
		logging.String(logging.FieldEventType, "password_prompt_answered"),
	)
	if b.receiver != nil {
		b.receiver.PasswordReceived(walletID, secret, cancelled)
	}
	return nil
}

// SetAlerts registers an alert sink; nil removes it.
func (b *Inbox) SetAlerts(a Alerts) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerts = a
}

// Subscribe returns a channel receiving new prompts. Slow subscribers miss
// prompts rather than block the listener; they can poll Prompts instead.
func (b *Inbox) Subscribe() <-chan Prompt {
	ch := make(chan Prompt, 8)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Activity returns a copy of the counters.
func (b *Inbox) Activity() Activity {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.activity
	out.AutoSignWallets = make([]string, 0, len(b.autoSign))
	for id := range b.autoSign {
		out.AutoSignWallets = append(out.AutoSignWallets, id)
	}
	sort.Strings(out.AutoSignWallets)
	return out
}

func (b *Inbox) note(event string) {
	b.activity.LastEvent = event
	b.activity.LastEventAt = b.now()
}

func (b *Inbox) AutoSignActivated(walletID string) {
	b.mu.Lock()
	b.autoSign[walletID] = struct{}{}
	b.note("auto-sign activated for " + walletID)
	alerts := b.alerts
	b.mu.Unlock()
	if alerts != nil {
		alerts.AutoSignChanged(walletID, true, "")
	}
}

func (b *Inbox) AutoSignDeactivated(walletID, reason string) {
	b.mu.Lock()
	if walletID == "" {
		clear(b.autoSign)
	} else {
		delete(b.autoSign, walletID)
	}
	msg := "auto-sign deactivated"
	if walletID != "" {
		msg += " for " + walletID
	}
	if reason != "" {
		msg += ": " + reason
	}
	b.note(msg)
	alerts := b.alerts
	b.mu.Unlock()
	if alerts != nil {
		alerts.AutoSignChanged(walletID, false, reason)
	}
}

func (b *Inbox) Spent(value uint64, autoSign bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if autoSign {
		b.activity.SpentAutoSign += value
	} else {
		b.activity.SpentManual += value
	}
	b.note("spent " + amount.FormatBTC(value))
}

func (b *Inbox) TxSigned(walletID string, _ []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activity.Signed++
	b.note("signed with " + walletID)
}

func (b *Inbox) CancelTxSign(_ []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activity.Cancelled++
	b.note("signing cancelled by terminal")
}

func (b *Inbox) CustomDialog(clientID, name string, data []byte) {
	b.logger.Info("custom dialog requested",
		logging.String(logging.FieldClientID, clientID),
		logging.String("dialog", name),
		logging.Int("bytes", len(data)),
		logging.String(logging.FieldEventType, "custom_dialog"),
	)
}
