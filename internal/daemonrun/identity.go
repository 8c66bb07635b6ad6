package daemonrun

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"

	"headless/internal/fileutil"
)

// Identity is the key pair a signer announces to terminals. Terminals pin the
// compressed public key from the published key file.
type Identity struct {
	key *btcec.PrivateKey
}

// LoadOrCreateIdentity reads the hex private key at path, generating and
// persisting a new one when the file does not exist.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		raw, decodeErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decodeErr != nil || len(raw) != btcec.PrivKeyBytesLen {
			return nil, fmt.Errorf("identity key %q is malformed", path)
		}
		key, _ := btcec.PrivKeyFromBytes(raw)
		return &Identity{key: key}, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read identity key: %w", err)
	}

	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	if err := fileutil.WriteFileAtomic(path, []byte(hex.EncodeToString(key.Serialize())+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write identity key: %w", err)
	}
	return &Identity{key: key}, nil
}

// PublicHex is the compressed public key in hex.
func (i *Identity) PublicHex() string {
	return hex.EncodeToString(i.key.PubKey().SerializeCompressed())
}

// Publish writes the public key where terminals wait for it. A reader never
// sees a partial key.
func (i *Identity) Publish(path string) error {
	return fileutil.WriteFileAtomic(path, []byte(i.PublicHex()+"\n"), 0o644)
}
