// Package autosign holds the unattended signing policy: cached root wallet
// secrets and the spend budgets that bound their use.
package autosign

import (
	"log/slog"

	"headless/internal/amount"
	"headless/internal/logging"
	"headless/internal/protocol"
	"headless/internal/wallet"
)

// ReasonLimitExceeded is the deactivation reason when a budget runs out.
const ReasonLimitExceeded = "spend limit exceeded"

// ReasonSignFailed is the deactivation reason when signing with a cached
// secret fails.
const ReasonSignFailed = "signing failed"

// Observer is notified of auto-sign state changes. A reason of "" means the
// user asked for the change.
type Observer interface {
	AutoSignActivated(walletID string)
	AutoSignDeactivated(walletID, reason string)
}

// Wallets is the subset of the engine the policy needs.
type Wallets interface {
	Root(id string) (wallet.Info, bool)
	Primary() (wallet.Info, bool)
	VerifySecret(rootID string, secret []byte) error
}

// Limits are the spend budgets in satoshis. amount.Unlimited disables a bound.
type Limits struct {
	AutoSignSpend uint64
	ManualSpend   uint64
}

// Status is a snapshot of the policy.
type Status struct {
	Limits            Limits
	AutoSignRemaining uint64
	ManualRemaining   uint64
	ActiveWallets     []string
}

// Policy is not safe for concurrent use; the listener only touches it from
// its dispatch queue.
type Policy struct {
	logger  *slog.Logger
	wallets Wallets

	limits            Limits
	autoSignRemaining uint64
	manualRemaining   uint64

	secrets   map[string][]byte
	pending   map[string]struct{}
	observers []Observer
}

// New builds a policy with full budgets.
func New(wallets Wallets, limits Limits, logger *slog.Logger) *Policy {
	p := &Policy{
		logger:  logging.NewComponentLogger(logger, "autosign"),
		wallets: wallets,
		secrets: make(map[string][]byte),
		pending: make(map[string]struct{}),
	}
	p.SetLimits(limits)
	return p
}

// AddObserver registers o for every subsequent state change.
func (p *Policy) AddObserver(o Observer) {
	if o != nil {
		p.observers = append(p.observers, o)
	}
}

// SetLimits installs new budgets and refills both counters.
func (p *Policy) SetLimits(limits Limits) {
	p.limits = limits
	p.autoSignRemaining = limits.AutoSignSpend
	p.manualRemaining = limits.ManualSpend
	p.logger.Info("spend limits set",
		logging.String("auto_sign_spend", amount.FormatBTC(limits.AutoSignSpend)),
		logging.String("manual_spend", amount.FormatBTC(limits.ManualSpend)),
		logging.String(logging.FieldEventType, "limits_set"),
	)
}

// Status returns the current budgets and active wallets.
func (p *Policy) Status() Status {
	active := make([]string, 0, len(p.secrets))
	for id := range p.secrets {
		active = append(active, id)
	}
	return Status{
		Limits:            p.limits,
		AutoSignRemaining: p.autoSignRemaining,
		ManualRemaining:   p.manualRemaining,
		ActiveWallets:     active,
	}
}

// Activate caches secret for the root of walletID (the primary wallet when
// walletID is empty). An encrypted wallet with no secret is treated as a user
// cancellation and deactivates instead. It returns the resolved root id.
func (p *Policy) Activate(walletID string, secret []byte) (string, error) {
	root, err := p.resolveRoot(walletID)
	if err != nil {
		return walletID, err
	}
	delete(p.pending, root.ID)

	if root.Encrypted() && len(secret) == 0 {
		p.Deactivate(root.ID, "")
		return root.ID, protocol.ErrCancelled
	}
	if root.Encrypted() {
		if err := p.wallets.VerifySecret(root.ID, secret); err != nil {
			p.logger.Warn("auto-sign activation rejected",
				logging.String(logging.FieldWalletID, root.ID),
				logging.Error(err),
				logging.String(logging.FieldEventType, "autosign_activation_rejected"),
				logging.String(logging.FieldErrorHint, "re-enter the wallet password"),
				logging.String(logging.FieldImpact, "auto-sign remains inactive"),
			)
			return root.ID, err
		}
	}

	p.secrets[root.ID] = append([]byte(nil), secret...)
	p.logger.Info("auto-sign activated",
		logging.String(logging.FieldWalletID, root.ID),
		logging.String(logging.FieldEventType, "autosign_activated"),
	)
	for _, o := range p.observers {
		o.AutoSignActivated(root.ID)
	}
	return root.ID, nil
}

// Deactivate drops the cached secret of walletID's root, or every cached
// secret when walletID is empty. Observers are always notified.
func (p *Policy) Deactivate(walletID, reason string) {
	target := walletID
	if walletID == "" {
		for id, secret := range p.secrets {
			wipe(secret)
			delete(p.secrets, id)
		}
		clear(p.pending)
	} else {
		if root, ok := p.wallets.Root(walletID); ok {
			target = root.ID
		}
		wipe(p.secrets[target])
		delete(p.secrets, target)
		delete(p.pending, target)
	}

	p.logger.Info("auto-sign deactivated",
		logging.String(logging.FieldWalletID, target),
		logging.String("reason", reason),
		logging.String(logging.FieldEventType, "autosign_deactivated"),
	)
	for _, o := range p.observers {
		o.AutoSignDeactivated(target, reason)
	}
}

// Secret returns the cached secret of walletID's root.
func (p *Policy) Secret(walletID string) ([]byte, bool) {
	rootID := walletID
	if root, ok := p.wallets.Root(walletID); ok {
		rootID = root.ID
	}
	secret, ok := p.secrets[rootID]
	return secret, ok
}

// IsActive reports whether auto-sign is active for walletID's root.
func (p *Policy) IsActive(walletID string) bool {
	_, ok := p.Secret(walletID)
	return ok
}

// CheckSpendLimit reports whether value fits the relevant remaining budget.
// A denied auto-sign request deactivates the wallet.
func (p *Policy) CheckSpendLimit(value uint64, autoSign bool, walletID string) bool {
	if autoSign {
		if value > p.autoSignRemaining {
			p.logger.Warn("auto-sign spend limit reached",
				logging.String(logging.FieldWalletID, walletID),
				logging.Uint64("value", value),
				logging.Uint64("remaining", p.autoSignRemaining),
				logging.String(logging.FieldEventType, "autosign_limit_exceeded"),
				logging.String(logging.FieldErrorHint, "raise limits.auto_sign_spend or re-enable auto-sign"),
				logging.String(logging.FieldImpact, "auto-sign disabled for wallet"),
			)
			p.Deactivate(walletID, ReasonLimitExceeded)
			return false
		}
		return true
	}
	if value > p.manualRemaining {
		p.logger.Warn("manual spend limit reached",
			logging.String(logging.FieldWalletID, walletID),
			logging.Uint64("value", value),
			logging.Uint64("remaining", p.manualRemaining),
			logging.String(logging.FieldEventType, "manual_limit_exceeded"),
			logging.String(logging.FieldErrorHint, "raise limits.manual_spend"),
			logging.String(logging.FieldImpact, "request denied"),
		)
		return false
	}
	return true
}

// OnSpend debits value from the relevant budget after a successful sign.
// Unlimited budgets are never debited. A value larger than what remains is
// refused and leaves the budget untouched; callers re-check with
// CheckSpendLimit before signing so this only reports a broken invariant.
func (p *Policy) OnSpend(value uint64, autoSign bool) bool {
	counter := &p.manualRemaining
	if autoSign {
		counter = &p.autoSignRemaining
	}
	if *counter == amount.Unlimited {
		return true
	}
	if value > *counter {
		return false
	}
	*counter -= value
	return true
}

// AddPending records that walletID awaits a password before activation.
func (p *Policy) AddPending(walletID string) {
	p.pending[walletID] = struct{}{}
}

// TakePending reports and clears a pending activation for walletID.
func (p *Policy) TakePending(walletID string) bool {
	if _, ok := p.pending[walletID]; !ok {
		return false
	}
	delete(p.pending, walletID)
	return true
}

func (p *Policy) resolveRoot(walletID string) (wallet.Info, error) {
	if walletID == "" {
		root, ok := p.wallets.Primary()
		if !ok {
			return wallet.Info{}, protocol.Wrap(protocol.ErrWalletNotFound, "autosign", "activate", "no primary wallet", nil)
		}
		return root, nil
	}
	root, ok := p.wallets.Root(walletID)
	if !ok {
		return wallet.Info{}, protocol.Wrap(protocol.ErrWalletNotFound, "autosign", "activate", "failed to find wallet "+walletID, nil)
	}
	return root, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
