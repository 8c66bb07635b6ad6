// Package password coordinates decryption password prompts for signing
// requests. Concurrent operations against one root wallet share a single
// prompt, and multi-wallet requests collect one password per distinct root
// before their callback runs.
package password

import (
	"log/slog"
	"sort"

	"headless/internal/autosign"
	"headless/internal/logging"
	"headless/internal/protocol"
	"headless/internal/wallet"
)

// Prompter delivers a password request to whoever can answer it.
type Prompter interface {
	RequestPassword(clientID string, req protocol.PasswordRequest)
}

// Completion receives the outcome of a password request. secret is empty for
// unencrypted wallets and when cancelled is true.
type Completion func(secret []byte, cancelled bool)

// MultiCompletion receives one secret per requested wallet id.
type MultiCompletion func(secrets map[string][]byte, cancelled bool)

// ActivationFunc handles a password that answers a pending auto-sign
// activation.
type ActivationFunc func(rootID string, secret []byte, cancelled bool)

type aggregationKey struct {
	clientID string
	seq      uint64
}

type aggregation struct {
	rootLeaves map[string][]string
	required   map[string]struct{}
	collected  map[string][]byte
	done       MultiCompletion
}

// Orchestrator is not safe for concurrent use; the listener drives it from its
// dispatch queue.
type Orchestrator struct {
	logger   *slog.Logger
	wallets  wallet.Directory
	policy   *autosign.Policy
	prompter Prompter
	activate ActivationFunc

	callbacks    map[string][]Completion
	outstanding  map[string]struct{}
	aggregations map[aggregationKey]*aggregation
	sequences    map[string]uint64
}

// New builds an orchestrator. activate may be nil when auto-sign activation
// prompts are not used.
func New(wallets wallet.Directory, policy *autosign.Policy, prompter Prompter, activate ActivationFunc, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		logger:       logging.NewComponentLogger(logger, "password"),
		wallets:      wallets,
		policy:       policy,
		prompter:     prompter,
		activate:     activate,
		callbacks:    make(map[string][]Completion),
		outstanding:  make(map[string]struct{}),
		aggregations: make(map[aggregationKey]*aggregation),
		sequences:    make(map[string]uint64),
	}
}

// SetPrompter replaces the prompt destination.
func (o *Orchestrator) SetPrompter(p Prompter) {
	o.prompter = p
}

// RequestIfNeeded resolves done with walletID's secret. Unencrypted wallets
// and auto-sign requests with a cached secret resolve immediately; otherwise
// done waits for Received, and only the first waiter of a root wallet causes
// a prompt.
func (o *Orchestrator) RequestIfNeeded(clientID, walletID, prompt string, autoSign bool, done Completion) error {
	root, ok := o.wallets.Root(walletID)
	if !ok {
		return protocol.Wrap(protocol.ErrWalletNotFound, "password", "request", "failed to find wallet "+walletID, nil)
	}
	if !root.Encrypted() {
		done(nil, false)
		return nil
	}
	if autoSign && o.policy != nil {
		if secret, ok := o.policy.Secret(root.ID); ok {
			done(secret, false)
			return nil
		}
	}

	o.callbacks[root.ID] = append(o.callbacks[root.ID], done)
	o.promptOnce(clientID, root, prompt, autoSign)
	return nil
}

// RequestForActivation prompts for rootID's password on behalf of an
// auto-sign activation. The answer is routed to the ActivationFunc.
func (o *Orchestrator) RequestForActivation(clientID, rootID, prompt string) error {
	root, ok := o.wallets.Root(rootID)
	if !ok {
		return protocol.Wrap(protocol.ErrWalletNotFound, "password", "activation", "failed to find wallet "+rootID, nil)
	}
	o.policy.AddPending(root.ID)
	o.promptOnce(clientID, root, prompt, true)
	return nil
}

func (o *Orchestrator) promptOnce(clientID string, root wallet.Info, prompt string, autoSign bool) {
	if _, ok := o.outstanding[root.ID]; ok {
		o.logger.Debug("password prompt already outstanding",
			logging.String(logging.FieldWalletID, root.ID),
			logging.Int("waiting", len(o.callbacks[root.ID])),
		)
		return
	}
	o.outstanding[root.ID] = struct{}{}
	o.logger.Info("requesting wallet password",
		logging.String(logging.FieldWalletID, root.ID),
		logging.String(logging.FieldClientID, clientID),
		logging.String(logging.FieldEventType, "password_prompt"),
	)
	if o.prompter == nil {
		return
	}
	o.prompter.RequestPassword(clientID, protocol.PasswordRequest{
		WalletID: root.ID,
		Prompt:   prompt,
		EncTypes: append([]protocol.EncryptionType(nil), root.EncTypes...),
		EncKeys:  root.EncKeys,
		RankM:    root.RankM,
		AutoSign: autoSign,
	})
}

// Received resolves every completion waiting on walletID's root and, when an
// auto-sign activation is pending for it, hands the password to activation.
func (o *Orchestrator) Received(walletID string, secret []byte, cancelled bool) {
	rootID := walletID
	if root, ok := o.wallets.Root(walletID); ok {
		rootID = root.ID
	}
	if cancelled {
		secret = nil
	}

	waiting := o.callbacks[rootID]
	delete(o.callbacks, rootID)
	delete(o.outstanding, rootID)

	pendingActivation := o.policy != nil && o.policy.TakePending(rootID)
	if len(waiting) == 0 && !pendingActivation {
		o.logger.Debug("password received with nobody waiting", logging.String(logging.FieldWalletID, rootID))
		return
	}

	for _, done := range waiting {
		done(secret, cancelled)
	}
	if pendingActivation && o.activate != nil {
		o.activate(rootID, secret, cancelled)
	}
}

// RequestMulti collects secrets for every wallet in walletIDs, prompting once
// per distinct root. done runs exactly once: with all secrets, or with
// cancelled=true as soon as any root is cancelled. It returns the sequence
// number that scopes the aggregation to clientID.
func (o *Orchestrator) RequestMulti(clientID string, walletIDs []string, prompt string, done MultiCompletion) (uint64, error) {
	agg := &aggregation{
		rootLeaves: make(map[string][]string),
		required:   make(map[string]struct{}, len(walletIDs)),
		collected:  make(map[string][]byte, len(walletIDs)),
		done:       done,
	}
	for _, id := range walletIDs {
		root, ok := o.wallets.Root(id)
		if !ok {
			return 0, protocol.Wrap(protocol.ErrWalletNotFound, "password", "multi request", "failed to find wallet "+id, nil)
		}
		if _, dup := agg.required[id]; dup {
			continue
		}
		agg.required[id] = struct{}{}
		agg.rootLeaves[root.ID] = append(agg.rootLeaves[root.ID], id)
	}
	if len(agg.required) == 0 {
		return 0, protocol.Wrap(protocol.ErrProtocol, "password", "multi request", "no wallets", nil)
	}

	o.sequences[clientID]++
	key := aggregationKey{clientID: clientID, seq: o.sequences[clientID]}
	o.aggregations[key] = agg

	roots := make([]string, 0, len(agg.rootLeaves))
	for rootID := range agg.rootLeaves {
		roots = append(roots, rootID)
	}
	sort.Strings(roots)

	for _, rootID := range roots {
		err := o.RequestIfNeeded(clientID, rootID, prompt, false, func(secret []byte, cancelled bool) {
			o.collect(key, rootID, secret, cancelled)
		})
		if err != nil {
			delete(o.aggregations, key)
			return 0, err
		}
	}
	return key.seq, nil
}

func (o *Orchestrator) collect(key aggregationKey, rootID string, secret []byte, cancelled bool) {
	agg, ok := o.aggregations[key]
	if !ok {
		return
	}
	if cancelled {
		delete(o.aggregations, key)
		agg.done(nil, true)
		return
	}
	for _, leafID := range agg.rootLeaves[rootID] {
		agg.collected[leafID] = secret
	}
	if len(agg.collected) != len(agg.required) {
		return
	}
	delete(o.aggregations, key)
	agg.done(agg.collected, false)
}

// DropClient forgets multi-wallet aggregations started by clientID. Their
// per-wallet prompts stay outstanding for other waiters.
func (o *Orchestrator) DropClient(clientID string) {
	for key := range o.aggregations {
		if key.clientID == clientID {
			delete(o.aggregations, key)
		}
	}
	delete(o.sequences, clientID)
}

// Waiting reports how many completions are queued for walletID's root.
func (o *Orchestrator) Waiting(walletID string) int {
	if root, ok := o.wallets.Root(walletID); ok {
		walletID = root.ID
	}
	return len(o.callbacks[walletID])
}

// Outstanding lists root wallets with an unanswered prompt.
func (o *Orchestrator) Outstanding() []string {
	ids := make([]string, 0, len(o.outstanding))
	for id := range o.outstanding {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
