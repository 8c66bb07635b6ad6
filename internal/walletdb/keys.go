package walletdb

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // address hashing needs hash160
	"golang.org/x/crypto/scrypt"

	"headless/internal/protocol"
	"headless/internal/wallet"
)

// DefaultScryptN is the scrypt cost used for new password-protected roots.
const DefaultScryptN = 1 << 15

const (
	scryptR   = 8
	scryptP   = 1
	saltSize  = 16
	nonceSize = 24
)

// Chain numbers for derived and externally supplied addresses.
const (
	chainExternal = 0
	chainInternal = 1
	chainImported = -1
)

// sealedKey is a root private key at rest.
type sealedKey struct {
	kdfN   int
	salt   []byte
	nonce  []byte
	sealed []byte
}

func (k sealedKey) encrypted() bool { return k.kdfN > 0 }

// seal protects priv with secret. An empty secret stores the key in the
// clear.
func seal(priv *btcec.PrivateKey, secret []byte, kdfN int) (sealedKey, error) {
	raw := priv.Serialize()
	if len(secret) == 0 {
		return sealedKey{sealed: raw}, nil
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return sealedKey{}, fmt.Errorf("generate salt: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return sealedKey{}, fmt.Errorf("generate nonce: %w", err)
	}
	key, err := deriveKey(secret, salt, kdfN)
	if err != nil {
		return sealedKey{}, err
	}
	return sealedKey{
		kdfN:   kdfN,
		salt:   salt,
		nonce:  nonce[:],
		sealed: secretbox.Seal(nil, raw, &nonce, key),
	}, nil
}

// open recovers the root private key. A wrong secret yields ErrBadPassword.
func (k sealedKey) open(secret []byte) (*btcec.PrivateKey, error) {
	if !k.encrypted() {
		priv, _ := btcec.PrivKeyFromBytes(k.sealed)
		return priv, nil
	}
	if len(k.nonce) != nonceSize {
		return nil, fmt.Errorf("%w: sealed key has a malformed nonce", protocol.ErrSigning)
	}
	key, err := deriveKey(secret, k.salt, k.kdfN)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	copy(nonce[:], k.nonce)
	raw, ok := secretbox.Open(nil, k.sealed, &nonce, key)
	if !ok {
		return nil, wallet.ErrBadPassword
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

func deriveKey(secret, salt []byte, n int) (*[32]byte, error) {
	derived, err := scrypt.Key(secret, salt, n, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	var key [32]byte
	copy(key[:], derived)
	return &key, nil
}

// tweak maps a parent public key and a label onto a scalar.
func tweak(parent *btcec.PublicKey, label []byte) btcec.ModNScalar {
	h := sha256.New()
	_, _ = h.Write(parent.SerializeCompressed())
	_, _ = h.Write(label)
	var t btcec.ModNScalar
	t.SetByteSlice(h.Sum(nil))
	return t
}

func childPublic(parent *btcec.PublicKey, label []byte) *btcec.PublicKey {
	t := tweak(parent, label)
	var tp, pp, sum btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&t, &tp)
	parent.AsJacobian(&pp)
	btcec.AddNonConst(&pp, &tp, &sum)
	sum.ToAffine()
	return btcec.NewPublicKey(&sum.X, &sum.Y)
}

func childPrivate(parent *btcec.PrivateKey, label []byte) *btcec.PrivateKey {
	t := tweak(parent.PubKey(), label)
	k := parent.Key
	k.Add(&t)
	b := k.Bytes()
	priv, _ := btcec.PrivKeyFromBytes(b[:])
	return priv
}

func leafLabel(path string) []byte { return []byte("leaf:" + path) }

func addressLabel(chain int, index uint32) []byte {
	label := make([]byte, 0, 13)
	label = append(label, "addr:"...)
	label = binary.BigEndian.AppendUint32(label, uint32(int32(chain)))
	return binary.BigEndian.AppendUint32(label, index)
}

func hash160(data []byte) []byte {
	sum := sha256.Sum256(data)
	h := ripemd160.New()
	_, _ = h.Write(sum[:])
	return h.Sum(nil)
}

func addressPrefix(net protocol.NetworkType) string {
	if net == protocol.NetworkMainNet {
		return "bc1"
	}
	return "tb1"
}

// encodeAddress renders a pay-to-pubkey-hash style identifier for pub.
func encodeAddress(net protocol.NetworkType, pub *btcec.PublicKey) string {
	return addressPrefix(net) + hex.EncodeToString(hash160(pub.SerializeCompressed()))
}

// walletID names a wallet after its public key.
func walletID(pub *btcec.PublicKey) string {
	return hex.EncodeToString(hash160(pub.SerializeCompressed())[:8])
}

// rootFromSeed turns an optional hex seed into a root private key.
func rootFromSeed(seedHex string) (*btcec.PrivateKey, error) {
	if seedHex == "" {
		return btcec.NewPrivateKey()
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("seed is not hex: %w", err)
	}
	if len(seed) < 16 {
		return nil, fmt.Errorf("seed must be at least 16 bytes")
	}
	sum := sha256.Sum256(seed)
	priv, _ := btcec.PrivKeyFromBytes(sum[:])
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("seed produced an invalid key")
	}
	return priv, nil
}
