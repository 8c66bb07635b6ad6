package testsupport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"headless/internal/protocol"
	"headless/internal/wallet"
)

// MemoryEngine is an in-memory wallet.Engine. Roots added with a non-empty
// password are encrypted; the password bytes are the secret.
type MemoryEngine struct {
	mu        sync.Mutex
	net       protocol.NetworkType
	wallets   map[string]wallet.Info
	passwords map[string]string
	leaves    map[string][]string
	addresses map[string]string
	comments  map[string]string
	primary   string

	signErr     error
	signCalls   int
	multiCalls  int
	multiSecret map[string][]byte
	extendGate  chan struct{}
}

var _ wallet.Engine = (*MemoryEngine)(nil)

// NewMemoryEngine returns an empty engine bound to net.
func NewMemoryEngine(net protocol.NetworkType) *MemoryEngine {
	return &MemoryEngine{
		net:       net,
		wallets:   make(map[string]wallet.Info),
		passwords: make(map[string]string),
		leaves:    make(map[string][]string),
		addresses: make(map[string]string),
		comments:  make(map[string]string),
	}
}

// AddRoot registers a root wallet with optional leaves. The first root added
// becomes the primary wallet.
func (e *MemoryEngine) AddRoot(id, password string, leafIDs ...string) wallet.Info {
	e.mu.Lock()
	defer e.mu.Unlock()

	enc := protocol.EncryptionUnencrypted
	if password != "" {
		enc = protocol.EncryptionPassword
	}
	root := wallet.Info{
		ID:       id,
		RootID:   id,
		Name:     id,
		Type:     protocol.WalletTypeHD,
		NetType:  e.net,
		EncTypes: []protocol.EncryptionType{enc},
		RankM:    1,
		RankN:    1,
	}
	if e.primary == "" {
		e.primary = id
		root.Primary = true
	}
	e.wallets[id] = root
	e.passwords[id] = password
	for i, leafID := range leafIDs {
		e.wallets[leafID] = wallet.Info{
			ID:       leafID,
			RootID:   id,
			Name:     leafID,
			Type:     protocol.WalletTypeBitcoin,
			Path:     fmt.Sprintf("84'/1'/%d'", i),
			NetType:  e.net,
			EncTypes: root.EncTypes,
		}
		e.leaves[id] = append(e.leaves[id], leafID)
		e.addresses["addr-"+leafID] = leafID
	}
	return root
}

// SetSignError makes every subsequent signature fail with err.
func (e *MemoryEngine) SetSignError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signErr = err
}

// HoldExtend blocks ExtendAddressChain until the returned func is called.
func (e *MemoryEngine) HoldExtend() (release func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	gate := make(chan struct{})
	e.extendGate = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// SignCalls counts successful and failed single-wallet signatures.
func (e *MemoryEngine) SignCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signCalls
}

// MultiSignCalls counts SignMultiTX invocations.
func (e *MemoryEngine) MultiSignCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.multiCalls
}

// LastMultiSecrets returns the secrets passed to the last SignMultiTX.
func (e *MemoryEngine) LastMultiSecrets() map[string][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.multiSecret
}

func (e *MemoryEngine) Wallet(id string) (wallet.Info, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.wallets[id]
	return info, ok
}

func (e *MemoryEngine) Root(id string) (wallet.Info, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rootLocked(id)
}

func (e *MemoryEngine) rootLocked(id string) (wallet.Info, bool) {
	info, ok := e.wallets[id]
	if !ok {
		return wallet.Info{}, false
	}
	root, ok := e.wallets[info.RootID]
	return root, ok
}

func (e *MemoryEngine) Primary() (wallet.Info, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.wallets[e.primary]
	return info, ok
}

func (e *MemoryEngine) Roots() []wallet.Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	var roots []wallet.Info
	for _, info := range e.wallets {
		if info.IsRoot() {
			roots = append(roots, info)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].ID < roots[j].ID })
	return roots
}

func (e *MemoryEngine) WalletByAddress(address string) (wallet.Info, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.wallets[e.addresses[address]]
	return info, ok
}

func (e *MemoryEngine) VerifySecret(rootID string, secret []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.verifyLocked(rootID, secret)
}

func (e *MemoryEngine) verifyLocked(walletID string, secret []byte) error {
	root, ok := e.rootLocked(walletID)
	if !ok {
		return fmt.Errorf("%w: failed to find wallet %s", protocol.ErrWalletNotFound, walletID)
	}
	if e.passwords[root.ID] != string(secret) {
		return wallet.ErrBadPassword
	}
	return nil
}

func (e *MemoryEngine) sign(walletID string, secret []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signCalls++
	if err := e.verifyLocked(walletID, secret); err != nil {
		return nil, err
	}
	if e.signErr != nil {
		return nil, e.signErr
	}
	return []byte("signed:" + walletID), nil
}

func (e *MemoryEngine) SignTX(_ context.Context, req protocol.SignTXRequest, secret []byte) ([]byte, error) {
	return e.sign(req.WalletID, secret)
}

func (e *MemoryEngine) SignPartialTX(_ context.Context, req protocol.SignTXRequest, secret []byte) ([]byte, error) {
	signed, err := e.sign(req.WalletID, secret)
	if err != nil {
		return nil, err
	}
	return append([]byte("partial:"), signed...), nil
}

func (e *MemoryEngine) SignPayoutTX(_ context.Context, walletID string, _ protocol.SignPayoutTXRequest, secret []byte) ([]byte, error) {
	return e.sign(walletID, secret)
}

func (e *MemoryEngine) SignMultiTX(_ context.Context, req protocol.SignMultiTXRequest, secrets map[string][]byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.multiCalls++
	e.multiSecret = secrets
	ids := req.WalletIDs()
	for _, id := range ids {
		if err := e.verifyLocked(id, secrets[id]); err != nil {
			return nil, err
		}
	}
	return []byte("multi:" + strings.Join(ids, ",")), nil
}

func (e *MemoryEngine) CreateHDWallet(_ context.Context, req protocol.NewHDWallet, password protocol.PasswordData) (wallet.Info, error) {
	id := "hd-" + req.Name
	if _, ok := e.Wallet(id); ok {
		return wallet.Info{}, fmt.Errorf("wallet %s already exists", id)
	}
	secret, err := protocol.DecodeSecret(password.Password)
	if err != nil {
		return wallet.Info{}, err
	}
	info := e.AddRoot(id, string(secret))
	if req.Name != "" {
		info.Name = req.Name
		e.mu.Lock()
		e.wallets[id] = info
		e.mu.Unlock()
	}
	return info, nil
}

func (e *MemoryEngine) CreateLeaf(_ context.Context, rootID string, leaf protocol.NewHDLeaf, secret []byte) (protocol.LeafInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.verifyLocked(rootID, secret); err != nil {
		return protocol.LeafInfo{}, err
	}
	root := e.wallets[rootID]
	id := rootID + "/" + leaf.Path
	e.wallets[id] = wallet.Info{ID: id, RootID: rootID, Name: id, Type: protocol.WalletTypeBitcoin, Path: leaf.Path, NetType: e.net, EncTypes: root.EncTypes}
	e.leaves[rootID] = append(e.leaves[rootID], id)
	return protocol.LeafInfo{ID: id, RootID: rootID, Path: leaf.Path, Type: protocol.WalletTypeBitcoin}, nil
}

func (e *MemoryEngine) DeleteWallet(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.wallets[id]
	if !ok {
		return fmt.Errorf("%w: failed to find wallet %s", protocol.ErrWalletNotFound, id)
	}
	if info.IsRoot() {
		for _, leafID := range e.leaves[id] {
			delete(e.wallets, leafID)
		}
		delete(e.leaves, id)
	}
	delete(e.wallets, id)
	return nil
}

func (e *MemoryEngine) ChangePassword(_ context.Context, rootID string, oldSecret []byte, next protocol.PasswordData) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.verifyLocked(rootID, oldSecret); err != nil {
		return err
	}
	secret, err := protocol.DecodeSecret(next.Password)
	if err != nil {
		return err
	}
	e.passwords[rootID] = string(secret)
	return nil
}

func (e *MemoryEngine) Groups(_ context.Context, rootID string) ([]protocol.GroupInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.wallets[rootID]; !ok {
		return nil, fmt.Errorf("%w: failed to find wallet %s", protocol.ErrWalletNotFound, rootID)
	}
	group := protocol.GroupInfo{Type: protocol.WalletTypeBitcoin}
	for _, leafID := range e.leaves[rootID] {
		leaf := e.wallets[leafID]
		group.Leaves = append(group.Leaves, protocol.LeafInfo{ID: leafID, RootID: rootID, Path: leaf.Path, Type: leaf.Type})
	}
	return []protocol.GroupInfo{group}, nil
}

func (e *MemoryEngine) SyncWallet(_ context.Context, walletID string) (protocol.SyncWalletReply, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.wallets[walletID]
	if !ok {
		return protocol.SyncWalletReply{}, fmt.Errorf("%w: failed to find wallet %s", protocol.ErrWalletNotFound, walletID)
	}
	reply := protocol.SyncWalletReply{WalletID: walletID, NetType: info.NetType}
	for addr, owner := range e.addresses {
		if owner == walletID {
			reply.Addresses = append(reply.Addresses, protocol.AddressEntry{Address: addr, Comment: e.comments[addr]})
		}
	}
	return reply, nil
}

func (e *MemoryEngine) SetAddressComment(_ context.Context, walletID, address, comment string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.addresses[address] != walletID {
		return fmt.Errorf("address %s does not belong to %s", address, walletID)
	}
	e.comments[address] = comment
	return nil
}

func (e *MemoryEngine) SetTxComment(_ context.Context, walletID, txHash, comment string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.wallets[walletID]; !ok {
		return fmt.Errorf("%w: failed to find wallet %s", protocol.ErrWalletNotFound, walletID)
	}
	e.comments[txHash] = comment
	return nil
}

func (e *MemoryEngine) SyncAddresses(_ context.Context, walletID string, addresses []protocol.AddressEntry) (protocol.SyncState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.wallets[walletID]; !ok {
		return protocol.SyncFailure, fmt.Errorf("%w: failed to find wallet %s", protocol.ErrWalletNotFound, walletID)
	}
	added := 0
	for _, entry := range addresses {
		if _, ok := e.addresses[entry.Address]; ok {
			continue
		}
		e.addresses[entry.Address] = walletID
		added++
	}
	if added == 0 {
		return protocol.SyncNothingToDo, nil
	}
	return protocol.SyncSuccess, nil
}

func (e *MemoryEngine) ExtendAddressChain(ctx context.Context, walletID string, count uint32, external bool) ([]protocol.AddressEntry, error) {
	e.mu.Lock()
	gate := e.extendGate
	e.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.wallets[walletID]; !ok {
		return nil, fmt.Errorf("%w: failed to find wallet %s", protocol.ErrWalletNotFound, walletID)
	}
	chain := 1
	if external {
		chain = 0
	}
	out := make([]protocol.AddressEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		addr := fmt.Sprintf("%s-%d-%d", walletID, chain, len(e.addresses))
		e.addresses[addr] = walletID
		out = append(out, protocol.AddressEntry{Address: addr, Index: fmt.Sprintf("%d/%d", chain, i)})
	}
	return out, nil
}
