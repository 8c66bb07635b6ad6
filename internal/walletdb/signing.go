package walletdb

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"google.golang.org/protobuf/encoding/protowire"

	"headless/internal/protocol"
)

const txVersion = 2

// Field numbers of the serialized transaction.
const (
	txFieldVersion    protowire.Number = 1
	txFieldInput      protowire.Number = 2
	txFieldOutput     protowire.Number = 3
	txFieldFee        protowire.Number = 4
	txFieldRBF        protowire.Number = 5
	txFieldSettlement protowire.Number = 6

	inFieldHash  protowire.Number = 1
	inFieldIndex protowire.Number = 2
	inFieldValue protowire.Number = 3

	outFieldAddress protowire.Number = 1
	outFieldValue   protowire.Number = 2

	signedFieldTx      protowire.Number = 1
	signedFieldWitness protowire.Number = 2
	signedFieldPartial protowire.Number = 3

	witFieldInput  protowire.Number = 1
	witFieldPubKey protowire.Number = 2
	witFieldSig    protowire.Number = 3
)

type output struct {
	address string
	value   uint64
}

type unsignedTx struct {
	inputs     []protocol.TxInput
	outputs    []output
	fee        uint64
	rbf        bool
	settlement []byte
}

func (u unsignedTx) serialize() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, txFieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, txVersion)
	for _, in := range u.inputs {
		hash, err := hex.DecodeString(in.TxHash)
		if err != nil {
			return nil, fmt.Errorf("input hash %q: %w", in.TxHash, err)
		}
		var m []byte
		m = protowire.AppendTag(m, inFieldHash, protowire.BytesType)
		m = protowire.AppendBytes(m, hash)
		m = protowire.AppendTag(m, inFieldIndex, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(in.Index))
		m = protowire.AppendTag(m, inFieldValue, protowire.VarintType)
		m = protowire.AppendVarint(m, in.Value)
		b = protowire.AppendTag(b, txFieldInput, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	for _, out := range u.outputs {
		var m []byte
		m = protowire.AppendTag(m, outFieldAddress, protowire.BytesType)
		m = protowire.AppendString(m, out.address)
		m = protowire.AppendTag(m, outFieldValue, protowire.VarintType)
		m = protowire.AppendVarint(m, out.value)
		b = protowire.AppendTag(b, txFieldOutput, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	b = protowire.AppendTag(b, txFieldFee, protowire.VarintType)
	b = protowire.AppendVarint(b, u.fee)
	if u.rbf {
		b = protowire.AppendTag(b, txFieldRBF, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if len(u.settlement) > 0 {
		b = protowire.AppendTag(b, txFieldSettlement, protowire.BytesType)
		b = protowire.AppendBytes(b, u.settlement)
	}
	return b, nil
}

// inputDigest is the message signed for input i of a serialized transaction.
func inputDigest(tx []byte, i int) []byte {
	first := sha256.Sum256(tx)
	second := sha256.Sum256(first[:])
	h := sha256.New()
	_, _ = h.Write(second[:])
	_ = binary.Write(h, binary.BigEndian, uint32(i))
	return h.Sum(nil)
}

type witness struct {
	input int
	key   *btcec.PrivateKey
}

func assemble(tx []byte, witnesses []witness, partial bool) []byte {
	var b []byte
	b = protowire.AppendTag(b, signedFieldTx, protowire.BytesType)
	b = protowire.AppendBytes(b, tx)
	for _, w := range witnesses {
		sig := ecdsa.Sign(w.key, inputDigest(tx, w.input))
		var m []byte
		m = protowire.AppendTag(m, witFieldInput, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(w.input))
		m = protowire.AppendTag(m, witFieldPubKey, protowire.BytesType)
		m = protowire.AppendBytes(m, w.key.PubKey().SerializeCompressed())
		m = protowire.AppendTag(m, witFieldSig, protowire.BytesType)
		m = protowire.AppendBytes(m, sig.Serialize())
		b = protowire.AppendTag(b, signedFieldWitness, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	if partial {
		b = protowire.AppendTag(b, signedFieldPartial, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

func txFromRequest(req protocol.SignTXRequest) unsignedTx {
	u := unsignedTx{inputs: req.Inputs, fee: req.Fee, rbf: req.RBF}
	for _, r := range req.Recipients {
		u.outputs = append(u.outputs, output{address: r.Address, value: r.Value})
	}
	if req.Change != nil && req.Change.Value > 0 {
		u.outputs = append(u.outputs, output{address: req.Change.Address, value: req.Change.Value})
	}
	return u
}

func (s *Store) signRequest(ctx context.Context, req protocol.SignTXRequest, secret []byte, partial bool) ([]byte, error) {
	key, _, err := s.leafKey(ctx, req.WalletID, secret)
	if err != nil {
		return nil, err
	}
	tx, err := txFromRequest(req).serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrSigning, err)
	}
	witnesses := make([]witness, 0, len(req.Inputs))
	for i, in := range req.Inputs {
		if partial && in.WalletID != "" && in.WalletID != req.WalletID {
			continue
		}
		witnesses = append(witnesses, witness{input: i, key: key})
	}
	if len(witnesses) == 0 {
		return nil, fmt.Errorf("%w: no inputs belong to %s", protocol.ErrSigning, req.WalletID)
	}
	return assemble(tx, witnesses, partial), nil
}

// SignTX signs every input with the leaf key of req.WalletID.
func (s *Store) SignTX(ctx context.Context, req protocol.SignTXRequest, secret []byte) ([]byte, error) {
	return s.signRequest(ctx, req, secret, false)
}

// SignPartialTX signs the inputs owned by req.WalletID and marks the result
// as partial.
func (s *Store) SignPartialTX(ctx context.Context, req protocol.SignTXRequest, secret []byte) ([]byte, error) {
	return s.signRequest(ctx, req, secret, true)
}

// SignPayoutTX signs a settlement payout with the key behind req.AuthAddress.
func (s *Store) SignPayoutTX(ctx context.Context, walletID string, req protocol.SignPayoutTXRequest, secret []byte) ([]byte, error) {
	addr, err := s.addressKeyRecord(req.AuthAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrSigning, err)
	}
	if addr.walletID != walletID {
		return nil, fmt.Errorf("%w: auth address %s is not owned by %s", protocol.ErrSigning, req.AuthAddress, walletID)
	}
	leafPriv, _, err := s.leafKey(ctx, walletID, secret)
	if err != nil {
		return nil, err
	}
	settlement, err := hex.DecodeString(req.SettlementID)
	if err != nil {
		return nil, fmt.Errorf("%w: settlement id is not hex", protocol.ErrSigning)
	}
	tx, err := unsignedTx{
		inputs:     []protocol.TxInput{req.Input},
		outputs:    []output{{address: req.Recipient.Address, value: req.Recipient.Value}},
		fee:        req.Fee,
		settlement: settlement,
	}.serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrSigning, err)
	}
	key := childPrivate(leafPriv, addressLabel(addr.chain, addr.index))
	return assemble(tx, []witness{{input: 0, key: key}}, false), nil
}

// SignMultiTX signs each input with the key of the wallet that owns it.
// secrets may be keyed by leaf or by root.
func (s *Store) SignMultiTX(ctx context.Context, req protocol.SignMultiTXRequest, secrets map[string][]byte) ([]byte, error) {
	tx, err := unsignedTx{inputs: req.Inputs, fee: req.Fee, outputs: recipients(req.Recipients)}.serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrSigning, err)
	}
	keys := map[string]*btcec.PrivateKey{}
	witnesses := make([]witness, 0, len(req.Inputs))
	for i, in := range req.Inputs {
		key, ok := keys[in.WalletID]
		if !ok {
			secret, found := secrets[in.WalletID]
			if !found {
				if root, ok := s.Root(in.WalletID); ok {
					secret = secrets[root.ID]
				}
			}
			key, _, err = s.leafKey(ctx, in.WalletID, secret)
			if err != nil {
				return nil, err
			}
			keys[in.WalletID] = key
		}
		witnesses = append(witnesses, witness{input: i, key: key})
	}
	return assemble(tx, witnesses, false), nil
}

func recipients(rs []protocol.Recipient) []output {
	out := make([]output, 0, len(rs))
	for _, r := range rs {
		out = append(out, output{address: r.Address, value: r.Value})
	}
	return out
}

// Signature is one input signature carried in a signed transaction.
type Signature struct {
	Input  int
	PubKey []byte
	DER    []byte
}

// SignedTx is the decoded form of a signing result.
type SignedTx struct {
	Unsigned   []byte
	Signatures []Signature
	Partial    bool
}

// Inspect decodes a signing result.
func Inspect(signed []byte) (SignedTx, error) {
	var out SignedTx
	for len(signed) > 0 {
		num, typ, n := protowire.ConsumeTag(signed)
		if n < 0 {
			return out, protowire.ParseError(n)
		}
		signed = signed[n:]
		switch {
		case num == signedFieldTx && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(signed)
			if m < 0 {
				return out, protowire.ParseError(m)
			}
			out.Unsigned = append([]byte(nil), v...)
			n = m
		case num == signedFieldWitness && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(signed)
			if m < 0 {
				return out, protowire.ParseError(m)
			}
			sig, err := parseWitness(v)
			if err != nil {
				return out, err
			}
			out.Signatures = append(out.Signatures, sig)
			n = m
		case num == signedFieldPartial && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(signed)
			if m < 0 {
				return out, protowire.ParseError(m)
			}
			out.Partial = v != 0
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, signed)
			if n < 0 {
				return out, protowire.ParseError(n)
			}
		}
		signed = signed[n:]
	}
	return out, nil
}

func parseWitness(b []byte) (Signature, error) {
	var sig Signature
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return sig, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == witFieldInput && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return sig, protowire.ParseError(m)
			}
			sig.Input = int(v)
			n = m
		case (num == witFieldPubKey || num == witFieldSig) && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return sig, protowire.ParseError(m)
			}
			if num == witFieldPubKey {
				sig.PubKey = append([]byte(nil), v...)
			} else {
				sig.DER = append([]byte(nil), v...)
			}
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return sig, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return sig, nil
}

// Verify checks every signature in tx against its embedded public key.
func (tx SignedTx) Verify() error {
	if len(tx.Signatures) == 0 {
		return fmt.Errorf("transaction carries no signatures")
	}
	for _, s := range tx.Signatures {
		pub, err := btcec.ParsePubKey(s.PubKey)
		if err != nil {
			return fmt.Errorf("input %d: %w", s.Input, err)
		}
		sig, err := ecdsa.ParseDERSignature(s.DER)
		if err != nil {
			return fmt.Errorf("input %d: %w", s.Input, err)
		}
		if !sig.Verify(inputDigest(tx.Unsigned, s.Input), pub) {
			return fmt.Errorf("input %d: signature does not verify", s.Input)
		}
	}
	return nil
}
