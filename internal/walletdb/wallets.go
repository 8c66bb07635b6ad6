package walletdb

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"headless/internal/logging"
	"headless/internal/protocol"
	"headless/internal/wallet"
)

// defaultLeafPath is the account created with every new root.
func defaultLeafPath(net protocol.NetworkType) string {
	if net == protocol.NetworkMainNet {
		return "84'/0'/0'"
	}
	return "84'/1'/0'"
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func insertWallet(ctx context.Context, tx *sql.Tx, rec *record) error {
	var (
		encType protocol.EncryptionType
		encKey  []byte
	)
	if len(rec.info.EncTypes) > 0 {
		encType = rec.info.EncTypes[0]
	}
	if len(rec.info.EncKeys) > 0 {
		encKey = rec.info.EncKeys[0]
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO wallets (id, root_id, name, description, type, path, net_type, enc_type, enc_key,
			rank_m, rank_n, watching_only, is_primary, pubkey, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.info.ID, rec.info.RootID, rec.info.Name, rec.info.Description, string(rec.info.Type), rec.info.Path,
		int(rec.info.NetType), int(encType), encKey, rec.info.RankM, rec.info.RankN,
		boolInt(rec.info.WatchingOnly), boolInt(rec.info.Primary), rec.pubkey.SerializeCompressed(),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert wallet %s: %w", rec.info.ID, err)
	}
	if rec.info.IsRoot() {
		return nil
	}
	for _, chain := range []int{chainExternal, chainInternal} {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chains (wallet_id, chain, next_index) VALUES (?, ?, 0)", rec.info.ID, chain); err != nil {
			return fmt.Errorf("insert chain: %w", err)
		}
	}
	return nil
}

func (s *Store) newLeaf(root *record, path string, leafType protocol.WalletType) *record {
	if leafType == "" {
		leafType = protocol.WalletTypeBitcoin
	}
	pub := childPublic(root.pubkey, leafLabel(path))
	return &record{
		info: wallet.Info{
			ID:       walletID(pub),
			RootID:   root.info.ID,
			Name:     root.info.Name + "/" + path,
			Type:     leafType,
			Path:     path,
			NetType:  root.info.NetType,
			EncTypes: append([]protocol.EncryptionType(nil), root.info.EncTypes...),
			EncKeys:  root.info.EncKeys,
			RankM:    root.info.RankM,
			RankN:    root.info.RankN,
		},
		pubkey: pub,
	}
}

// CreateHDWallet creates a root wallet with its default account leaf.
func (s *Store) CreateHDWallet(ctx context.Context, req protocol.NewHDWallet, password protocol.PasswordData) (wallet.Info, error) {
	if req.NetType != s.net {
		return wallet.Info{}, fmt.Errorf("network type mismatch")
	}
	secret, err := protocol.DecodeSecret(password.Password)
	if err != nil {
		return wallet.Info{}, err
	}
	priv, err := rootFromSeed(req.Seed)
	if err != nil {
		return wallet.Info{}, err
	}
	pub := priv.PubKey()
	id := walletID(pub)
	if _, exists := s.Wallet(id); exists {
		return wallet.Info{}, fmt.Errorf("wallet %s already exists", id)
	}

	encType := protocol.EncryptionUnencrypted
	if len(secret) > 0 {
		encType = password.EncType
		if encType == protocol.EncryptionUnencrypted {
			encType = protocol.EncryptionPassword
		}
	}
	sealed, err := seal(priv, secret, s.kdfN)
	if err != nil {
		return wallet.Info{}, err
	}

	s.mu.RLock()
	hasRoot := false
	for _, rec := range s.wallets {
		if rec.info.IsRoot() {
			hasRoot = true
			break
		}
	}
	s.mu.RUnlock()

	root := &record{
		info: wallet.Info{
			ID:          id,
			RootID:      id,
			Name:        req.Name,
			Description: req.Description,
			Type:        protocol.WalletTypeHD,
			NetType:     s.net,
			EncTypes:    []protocol.EncryptionType{encType},
			RankM:       1,
			RankN:       1,
			Primary:     req.Primary || !hasRoot,
		},
		pubkey: pub,
	}
	if len(password.EncKey) > 0 {
		root.info.EncKeys = [][]byte{password.EncKey}
	}
	leaf := s.newLeaf(root, defaultLeafPath(s.net), protocol.WalletTypeBitcoin)

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if root.info.Primary {
			if _, err := tx.ExecContext(ctx, "UPDATE wallets SET is_primary = 0"); err != nil {
				return err
			}
		}
		if err := insertWallet(ctx, tx, root); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO root_keys (wallet_id, kdf_n, salt, nonce, sealed) VALUES (?, ?, ?, ?, ?)",
			id, sealed.kdfN, sealed.salt, sealed.nonce, sealed.sealed); err != nil {
			return fmt.Errorf("store root key: %w", err)
		}
		return insertWallet(ctx, tx, leaf)
	})
	if err != nil {
		return wallet.Info{}, fmt.Errorf("create wallet: %w", err)
	}

	s.mu.Lock()
	if root.info.Primary {
		for _, rec := range s.wallets {
			rec.info.Primary = false
		}
	}
	s.wallets[root.info.ID] = root
	s.wallets[leaf.info.ID] = leaf
	s.leaves[root.info.ID] = append(s.leaves[root.info.ID], leaf.info.ID)
	s.mu.Unlock()

	s.logger.Info("wallet created",
		logging.String(logging.FieldWalletID, id),
		logging.String("name", req.Name),
		logging.Bool("encrypted", root.info.Encrypted()),
		logging.String(logging.FieldEventType, "wallet_created"),
	)
	return root.info, nil
}

// CreateLeaf adds an account under rootID. The secret authorises the change.
func (s *Store) CreateLeaf(ctx context.Context, rootID string, req protocol.NewHDLeaf, secret []byte) (protocol.LeafInfo, error) {
	if _, err := s.rootKey(ctx, rootID, secret); err != nil {
		return protocol.LeafInfo{}, err
	}
	s.mu.RLock()
	root, ok := s.rootLocked(rootID)
	var dup bool
	if ok {
		for _, id := range s.leaves[root.info.ID] {
			if s.wallets[id].info.Path == req.Path {
				dup = true
			}
		}
	}
	s.mu.RUnlock()
	if !ok {
		return protocol.LeafInfo{}, notFound(rootID)
	}
	if dup {
		return protocol.LeafInfo{}, fmt.Errorf("leaf %s already exists in %s", req.Path, root.info.ID)
	}

	leaf := s.newLeaf(root, req.Path, req.Type)
	if err := s.inTx(ctx, func(tx *sql.Tx) error { return insertWallet(ctx, tx, leaf) }); err != nil {
		return protocol.LeafInfo{}, fmt.Errorf("create leaf: %w", err)
	}
	s.mu.Lock()
	s.wallets[leaf.info.ID] = leaf
	s.leaves[root.info.ID] = append(s.leaves[root.info.ID], leaf.info.ID)
	s.mu.Unlock()
	return leafInfo(leaf.info), nil
}

func leafInfo(info wallet.Info) protocol.LeafInfo {
	return protocol.LeafInfo{ID: info.ID, RootID: info.RootID, Path: info.Path, Type: info.Type, Name: info.Name}
}

// DeleteWallet removes a leaf, or a root with all of its leaves.
func (s *Store) DeleteWallet(ctx context.Context, id string) error {
	info, ok := s.Wallet(id)
	if !ok {
		return notFound(id)
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		query := "DELETE FROM wallets WHERE id = ?"
		if info.IsRoot() {
			query = "DELETE FROM wallets WHERE root_id = ? OR id = ?"
			_, err := tx.ExecContext(ctx, query, id, id)
			return err
		}
		_, err := tx.ExecContext(ctx, query, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete wallet %s: %w", id, err)
	}

	s.mu.Lock()
	removed := map[string]struct{}{id: {}}
	if info.IsRoot() {
		for _, leafID := range s.leaves[id] {
			removed[leafID] = struct{}{}
		}
		delete(s.leaves, id)
	} else {
		kept := s.leaves[info.RootID][:0]
		for _, leafID := range s.leaves[info.RootID] {
			if leafID != id {
				kept = append(kept, leafID)
			}
		}
		s.leaves[info.RootID] = kept
	}
	for wid := range removed {
		delete(s.wallets, wid)
	}
	for addr, rec := range s.addresses {
		if _, gone := removed[rec.walletID]; gone {
			delete(s.addresses, addr)
		}
	}
	s.mu.Unlock()

	s.logger.Info("wallet deleted",
		logging.String(logging.FieldWalletID, id),
		logging.Bool("root", info.IsRoot()),
		logging.String(logging.FieldEventType, "wallet_deleted"),
	)
	return nil
}

// ChangePassword reseals rootID's key under next.
func (s *Store) ChangePassword(ctx context.Context, rootID string, oldSecret []byte, next protocol.PasswordData) error {
	priv, err := s.rootKey(ctx, rootID, oldSecret)
	if err != nil {
		return err
	}
	secret, err := protocol.DecodeSecret(next.Password)
	if err != nil {
		return err
	}
	sealed, err := seal(priv, secret, s.kdfN)
	if err != nil {
		return err
	}
	encType := protocol.EncryptionUnencrypted
	if len(secret) > 0 {
		encType = next.EncType
		if encType == protocol.EncryptionUnencrypted {
			encType = protocol.EncryptionPassword
		}
	}
	root, _ := s.Root(rootID)

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE root_keys SET kdf_n = ?, salt = ?, nonce = ?, sealed = ? WHERE wallet_id = ?",
			sealed.kdfN, sealed.salt, sealed.nonce, sealed.sealed, root.ID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "UPDATE wallets SET enc_type = ?, enc_key = ? WHERE root_id = ? OR id = ?",
			int(encType), nullBytes(next.EncKey), root.ID, root.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("change password: %w", err)
	}

	s.mu.Lock()
	for _, rec := range s.wallets {
		if rec.info.ID == root.ID || rec.info.RootID == root.ID {
			rec.info.EncTypes = []protocol.EncryptionType{encType}
			rec.info.EncKeys = nil
			if len(next.EncKey) > 0 {
				rec.info.EncKeys = [][]byte{next.EncKey}
			}
		}
	}
	s.mu.Unlock()

	s.logger.Info("wallet password changed",
		logging.String(logging.FieldWalletID, root.ID),
		logging.String(logging.FieldEventType, "wallet_password_changed"),
	)
	return nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

var groupOrder = map[protocol.WalletType]int{
	protocol.WalletTypeBitcoin: 0,
	protocol.WalletTypeAuth:    1,
	protocol.WalletTypeSettle:  2,
}

// Groups lists rootID's leaves grouped by purpose.
func (s *Store) Groups(_ context.Context, rootID string) ([]protocol.GroupInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root, ok := s.rootLocked(rootID)
	if !ok {
		return nil, notFound(rootID)
	}
	byType := map[protocol.WalletType]*protocol.GroupInfo{}
	for _, id := range s.leaves[root.info.ID] {
		leaf := s.wallets[id].info
		g, ok := byType[leaf.Type]
		if !ok {
			g = &protocol.GroupInfo{Type: leaf.Type}
			byType[leaf.Type] = g
		}
		g.Leaves = append(g.Leaves, leafInfo(leaf))
	}
	out := make([]protocol.GroupInfo, 0, len(byType))
	for _, g := range byType {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		oi, iok := groupOrder[out[i].Type]
		oj, jok := groupOrder[out[j].Type]
		if iok != jok {
			return iok
		}
		if oi != oj {
			return oi < oj
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// leafKey unseals the private key for a leaf.
func (s *Store) leafKey(ctx context.Context, leafID string, secret []byte) (*btcec.PrivateKey, wallet.Info, error) {
	info, ok := s.Wallet(leafID)
	if !ok {
		return nil, wallet.Info{}, notFound(leafID)
	}
	rootPriv, err := s.rootKey(ctx, leafID, secret)
	if err != nil {
		return nil, info, err
	}
	if info.IsRoot() {
		return rootPriv, info, nil
	}
	return childPrivate(rootPriv, leafLabel(info.Path)), info, nil
}
