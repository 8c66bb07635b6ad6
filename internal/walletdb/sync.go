package walletdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"headless/internal/logging"
	"headless/internal/protocol"
)

func formatIndex(chain int, index uint32) string {
	if chain == chainImported {
		return ""
	}
	return strconv.Itoa(chain) + "/" + strconv.FormatUint(uint64(index), 10)
}

// parseIndex reads the "chain/index" form used on the wire.
func parseIndex(value string) (int, uint32, bool) {
	chainPart, indexPart, ok := strings.Cut(value, "/")
	if !ok {
		return 0, 0, false
	}
	chain, err := strconv.Atoi(chainPart)
	if err != nil || (chain != chainExternal && chain != chainInternal) {
		return 0, 0, false
	}
	index, err := strconv.ParseUint(indexPart, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return chain, uint32(index), true
}

func (s *Store) leafRecord(walletID string) (*record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.wallets[walletID]
	if !ok {
		return nil, notFound(walletID)
	}
	if rec.info.IsRoot() {
		return nil, fmt.Errorf("wallet %s is a root; addresses live on leaves", walletID)
	}
	return rec, nil
}

func (s *Store) deriveAddress(leaf *record, chain int, index uint32) string {
	return encodeAddress(leaf.info.NetType, childPublic(leaf.pubkey, addressLabel(chain, index)))
}

// SyncWallet returns a leaf's addresses, chain heights and comments.
func (s *Store) SyncWallet(ctx context.Context, walletID string) (protocol.SyncWalletReply, error) {
	leaf, err := s.leafRecord(walletID)
	if err != nil {
		return protocol.SyncWalletReply{}, err
	}
	ctx = ensureContext(ctx)
	reply := protocol.SyncWalletReply{WalletID: walletID, NetType: leaf.info.NetType}

	chainRows, err := s.db.QueryContext(ctx, "SELECT chain, next_index FROM chains WHERE wallet_id = ?", walletID)
	if err != nil {
		return reply, fmt.Errorf("read chains: %w", err)
	}
	for chainRows.Next() {
		var (
			chain int
			next  uint32
		)
		if err := chainRows.Scan(&chain, &next); err != nil {
			chainRows.Close()
			return reply, fmt.Errorf("scan chain: %w", err)
		}
		switch chain {
		case chainExternal:
			reply.HighestExtIndex = next
		case chainInternal:
			reply.HighestIntIndex = next
		}
	}
	chainRows.Close()

	addrRows, err := s.db.QueryContext(ctx,
		"SELECT address, chain, idx, comment FROM addresses WHERE wallet_id = ? ORDER BY chain, idx, address", walletID)
	if err != nil {
		return reply, fmt.Errorf("read addresses: %w", err)
	}
	for addrRows.Next() {
		var (
			entry protocol.AddressEntry
			chain int
			index uint32
		)
		if err := addrRows.Scan(&entry.Address, &chain, &index, &entry.Comment); err != nil {
			addrRows.Close()
			return reply, fmt.Errorf("scan address: %w", err)
		}
		entry.Index = formatIndex(chain, index)
		reply.Addresses = append(reply.Addresses, entry)
	}
	addrRows.Close()

	txRows, err := s.db.QueryContext(ctx, "SELECT tx_hash, comment FROM tx_comments WHERE wallet_id = ? ORDER BY tx_hash", walletID)
	if err != nil {
		return reply, fmt.Errorf("read tx comments: %w", err)
	}
	defer txRows.Close()
	for txRows.Next() {
		var c protocol.TxComment
		if err := txRows.Scan(&c.TxHash, &c.Comment); err != nil {
			return reply, fmt.Errorf("scan tx comment: %w", err)
		}
		reply.TxComments = append(reply.TxComments, c)
	}
	return reply, txRows.Err()
}

// SetAddressComment annotates an address owned by walletID.
func (s *Store) SetAddressComment(ctx context.Context, walletID, address, comment string) error {
	s.mu.RLock()
	owner, ok := s.addresses[address]
	s.mu.RUnlock()
	if !ok || owner.walletID != walletID {
		return fmt.Errorf("address %s does not belong to %s", address, walletID)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "UPDATE addresses SET comment = ? WHERE address = ?", comment, address)
		return err
	})
}

// SetTxComment annotates a transaction seen by walletID.
func (s *Store) SetTxComment(ctx context.Context, walletID, txHash, comment string) error {
	if _, ok := s.Wallet(walletID); !ok {
		return notFound(walletID)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tx_comments (wallet_id, tx_hash, comment) VALUES (?, ?, ?)
			 ON CONFLICT(wallet_id, tx_hash) DO UPDATE SET comment = excluded.comment`,
			walletID, txHash, comment)
		return err
	})
}

// ExtendAddressChain derives count new addresses on the external or internal
// chain of walletID.
func (s *Store) ExtendAddressChain(ctx context.Context, walletID string, count uint32, external bool) ([]protocol.AddressEntry, error) {
	leaf, err := s.leafRecord(walletID)
	if err != nil {
		return nil, err
	}
	chain := chainInternal
	if external {
		chain = chainExternal
	}

	var (
		out   []protocol.AddressEntry
		added = map[string]addressRecord{}
	)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		out = out[:0]
		clear(added)
		var next uint32
		if err := tx.QueryRowContext(ctx,
			"SELECT next_index FROM chains WHERE wallet_id = ? AND chain = ?", walletID, chain).Scan(&next); err != nil {
			return fmt.Errorf("read chain: %w", err)
		}
		for i := uint32(0); i < count; i++ {
			index := next + i
			addr := s.deriveAddress(leaf, chain, index)
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO addresses (address, wallet_id, chain, idx) VALUES (?, ?, ?, ?)",
				addr, walletID, chain, index); err != nil {
				return err
			}
			added[addr] = addressRecord{walletID: walletID, chain: chain, index: index}
			out = append(out, protocol.AddressEntry{Address: addr, Index: formatIndex(chain, index)})
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE chains SET next_index = ? WHERE wallet_id = ? AND chain = ?", next+count, walletID, chain)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("extend address chain: %w", err)
	}

	s.mu.Lock()
	for addr, rec := range added {
		s.addresses[addr] = rec
	}
	s.mu.Unlock()
	return out, nil
}

// SyncAddresses records addresses the terminal has used. Entries whose index
// reproduces the address advance the chain; anything else is kept as an
// imported address.
func (s *Store) SyncAddresses(ctx context.Context, walletID string, entries []protocol.AddressEntry) (protocol.SyncState, error) {
	leaf, err := s.leafRecord(walletID)
	if err != nil {
		return protocol.SyncFailure, err
	}

	s.mu.RLock()
	fresh := make([]protocol.AddressEntry, 0, len(entries))
	for _, e := range entries {
		if owner, ok := s.addresses[e.Address]; ok {
			if owner.walletID != walletID {
				s.mu.RUnlock()
				return protocol.SyncFailure, fmt.Errorf("address %s belongs to %s", e.Address, owner.walletID)
			}
			continue
		}
		fresh = append(fresh, e)
	}
	s.mu.RUnlock()
	if len(fresh) == 0 {
		return protocol.SyncNothingToDo, nil
	}

	added := make(map[string]addressRecord, len(fresh))
	heights := map[int]uint32{}
	for _, e := range fresh {
		rec := addressRecord{walletID: walletID, chain: chainImported}
		if chain, index, ok := parseIndex(e.Index); ok && s.deriveAddress(leaf, chain, index) == e.Address {
			rec.chain, rec.index = chain, index
			if index+1 > heights[chain] {
				heights[chain] = index + 1
			}
		}
		added[e.Address] = rec
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range fresh {
			rec := added[e.Address]
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO addresses (address, wallet_id, chain, idx, comment) VALUES (?, ?, ?, ?, ?)",
				e.Address, walletID, rec.chain, rec.index, e.Comment); err != nil {
				return err
			}
		}
		chains := make([]int, 0, len(heights))
		for chain := range heights {
			chains = append(chains, chain)
		}
		sort.Ints(chains)
		for _, chain := range chains {
			if _, err := tx.ExecContext(ctx,
				"UPDATE chains SET next_index = MAX(next_index, ?) WHERE wallet_id = ? AND chain = ?",
				heights[chain], walletID, chain); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("address sync failed",
			logging.String(logging.FieldWalletID, walletID),
			logging.Error(err),
			logging.String(logging.FieldEventType, "address_sync_failed"),
		)
		return protocol.SyncFailure, fmt.Errorf("sync addresses: %w", err)
	}

	s.mu.Lock()
	for addr, rec := range added {
		s.addresses[addr] = rec
	}
	s.mu.Unlock()
	return protocol.SyncSuccess, nil
}

// addressKeyRecord resolves an address to its derivation.
func (s *Store) addressKeyRecord(address string) (addressRecord, error) {
	s.mu.RLock()
	rec, ok := s.addresses[address]
	s.mu.RUnlock()
	if !ok {
		return addressRecord{}, errors.New("unknown address " + address)
	}
	if rec.chain == chainImported {
		return addressRecord{}, fmt.Errorf("address %s was imported without a derivation", address)
	}
	return rec, nil
}
