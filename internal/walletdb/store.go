package walletdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	_ "modernc.org/sqlite"

	"headless/internal/config"
	"headless/internal/logging"
	"headless/internal/protocol"
	"headless/internal/wallet"
)

// Options tunes a Store.
type Options struct {
	// ScryptN is the cost for newly sealed keys; zero uses DefaultScryptN.
	ScryptN int
	Logger  *slog.Logger
}

type record struct {
	info   wallet.Info
	pubkey *btcec.PublicKey
}

type addressRecord struct {
	walletID string
	chain    int
	index    uint32
}

// Store implements wallet.Engine on SQLite.
type Store struct {
	db      *sql.DB
	path    string
	net     protocol.NetworkType
	kdfN    int
	logger  *slog.Logger
	writeMu sync.Mutex

	mu        sync.RWMutex
	wallets   map[string]*record
	leaves    map[string][]string
	addresses map[string]addressRecord
}

var _ wallet.Engine = (*Store)(nil)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// inTx runs fn in a transaction, retrying the whole unit while SQLite is
// busy. Writers are serialised so cache updates follow commit order.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	ctx = ensureContext(ctx)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// Open loads the wallet database configured for the signer.
func Open(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	net, err := protocol.ParseNetwork(cfg.Signer.Network)
	if err != nil {
		return nil, err
	}
	return OpenPath(context.Background(), cfg.WalletDBPath(), net, Options{Logger: logger})
}

// OpenPath opens or creates a wallet database at path for net.
func OpenPath(ctx context.Context, path string, net protocol.NetworkType, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create wallet dir: %w", err)
	}
	// foreign_keys is per connection; the DSN applies it to every pooled one.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, execErr := db.Exec("PRAGMA journal_mode=WAL"); execErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragma journal_mode: %w", execErr)
	}

	kdfN := opts.ScryptN
	if kdfN <= 0 {
		kdfN = DefaultScryptN
	}
	s := &Store{
		db:        db,
		path:      path,
		net:       net,
		kdfN:      kdfN,
		logger:    logging.NewComponentLogger(opts.Logger, "walletdb"),
		wallets:   make(map[string]*record),
		leaves:    make(map[string][]string),
		addresses: make(map[string]addressRecord),
	}
	ctx = ensureContext(ctx)
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info("wallet database opened",
		logging.String("path", path),
		logging.String(logging.FieldNetwork, net.String()),
		logging.Int("wallets", len(s.wallets)),
		logging.String(logging.FieldEventType, "walletdb_opened"),
	)
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path reports the database file.
func (s *Store) Path() string { return s.path }

const walletColumns = "id, root_id, name, description, type, path, net_type, enc_type, enc_key, rank_m, rank_n, watching_only, is_primary, pubkey"

func scanWallet(scanner interface{ Scan(dest ...any) error }) (*record, error) {
	var (
		info         wallet.Info
		walletType   string
		netType      int
		encType      int
		encKey       []byte
		watchingOnly int
		primary      int
		pubBytes     []byte
	)
	if err := scanner.Scan(&info.ID, &info.RootID, &info.Name, &info.Description, &walletType, &info.Path,
		&netType, &encType, &encKey, &info.RankM, &info.RankN, &watchingOnly, &primary, &pubBytes); err != nil {
		return nil, err
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("wallet %s has a malformed public key: %w", info.ID, err)
	}
	info.Type = protocol.WalletType(walletType)
	info.NetType = protocol.NetworkType(netType)
	info.EncTypes = []protocol.EncryptionType{protocol.EncryptionType(encType)}
	if len(encKey) > 0 {
		info.EncKeys = [][]byte{encKey}
	}
	info.WatchingOnly = watchingOnly != 0
	info.Primary = primary != 0
	return &record{info: info, pubkey: pub}, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+walletColumns+" FROM wallets ORDER BY created_at, id")
	if err != nil {
		return fmt.Errorf("load wallets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanWallet(rows)
		if err != nil {
			return err
		}
		s.wallets[rec.info.ID] = rec
		if !rec.info.IsRoot() {
			s.leaves[rec.info.RootID] = append(s.leaves[rec.info.RootID], rec.info.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load wallets: %w", err)
	}

	addrRows, err := s.db.QueryContext(ctx, "SELECT address, wallet_id, chain, idx FROM addresses")
	if err != nil {
		return fmt.Errorf("load addresses: %w", err)
	}
	defer addrRows.Close()
	for addrRows.Next() {
		var (
			address string
			rec     addressRecord
		)
		if err := addrRows.Scan(&address, &rec.walletID, &rec.chain, &rec.index); err != nil {
			return fmt.Errorf("scan address: %w", err)
		}
		s.addresses[address] = rec
	}
	return addrRows.Err()
}

func notFound(id string) error {
	return fmt.Errorf("%w: failed to find wallet %s", protocol.ErrWalletNotFound, id)
}

// Wallet finds a root or leaf by id.
func (s *Store) Wallet(id string) (wallet.Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.wallets[id]
	if !ok {
		return wallet.Info{}, false
	}
	return rec.info, true
}

// Root finds the root wallet owning id.
func (s *Store) Root(id string) (wallet.Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rootLocked(id)
	if !ok {
		return wallet.Info{}, false
	}
	return rec.info, true
}

func (s *Store) rootLocked(id string) (*record, bool) {
	rec, ok := s.wallets[id]
	if !ok {
		return nil, false
	}
	if rec.info.IsRoot() {
		return rec, true
	}
	root, ok := s.wallets[rec.info.RootID]
	return root, ok
}

// Primary returns the designated primary root, or the oldest root when none
// is marked.
func (s *Store) Primary() (wallet.Info, bool) {
	roots := s.Roots()
	for _, r := range roots {
		if r.Primary {
			return r, true
		}
	}
	if len(roots) > 0 {
		return roots[0], true
	}
	return wallet.Info{}, false
}

// Roots lists root wallets ordered by name.
func (s *Store) Roots() []wallet.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wallet.Info, 0, len(s.wallets))
	for _, rec := range s.wallets {
		if rec.info.IsRoot() {
			out = append(out, rec.info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// WalletByAddress finds the leaf owning address.
func (s *Store) WalletByAddress(address string) (wallet.Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.addresses[address]
	if !ok {
		return wallet.Info{}, false
	}
	rec, ok := s.wallets[addr.walletID]
	if !ok {
		return wallet.Info{}, false
	}
	return rec.info, true
}

// VerifySecret checks secret against the sealed root key.
func (s *Store) VerifySecret(rootID string, secret []byte) error {
	_, err := s.rootKey(context.Background(), rootID, secret)
	return err
}

// rootKey unseals the private key of the root owning walletID.
func (s *Store) rootKey(ctx context.Context, walletID string, secret []byte) (*btcec.PrivateKey, error) {
	s.mu.RLock()
	root, ok := s.rootLocked(walletID)
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(walletID)
	}
	if root.info.WatchingOnly {
		return nil, fmt.Errorf("%w: wallet %s", protocol.ErrWatchingOnly, root.info.ID)
	}
	var key sealedKey
	err := s.db.QueryRowContext(ensureContext(ctx),
		"SELECT kdf_n, salt, nonce, sealed FROM root_keys WHERE wallet_id = ?", root.info.ID,
	).Scan(&key.kdfN, &key.salt, &key.nonce, &key.sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: wallet %s", protocol.ErrWatchingOnly, root.info.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("read root key: %w", err)
	}
	priv, err := key.open(secret)
	if err != nil {
		return nil, err
	}
	if !priv.PubKey().IsEqual(root.pubkey) {
		return nil, wallet.ErrBadPassword
	}
	return priv, nil
}
