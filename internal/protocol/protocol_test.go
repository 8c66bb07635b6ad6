package protocol_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"headless/internal/protocol"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	in := protocol.Envelope{
		ID:         42,
		Type:       protocol.TypeSignTX,
		Data:       []byte(`{"walletId":"w1"}`),
		AuthTicket: []byte("ticket"),
	}
	out, err := protocol.Unmarshal(in.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if out.ID != in.ID || out.Type != in.Type {
		t.Fatalf("header mismatch: got %+v", out)
	}
	if !bytes.Equal(out.Data, in.Data) || !bytes.Equal(out.AuthTicket, in.AuthTicket) {
		t.Fatalf("body mismatch: got %+v", out)
	}
	if out.Unsolicited() {
		t.Fatal("envelope with id 42 reported unsolicited")
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	b := protocol.Envelope{Type: protocol.TypeHeartbeat}.Marshal()
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))

	env, err := protocol.Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if env.Type != protocol.TypeHeartbeat || !env.Unsolicited() {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestUnmarshalRejectsMalformedInput(t *testing.T) {
	valid := protocol.Envelope{ID: 1, Type: protocol.TypeSignTX, Data: []byte("payload")}.Marshal()
	cases := map[string][]byte{
		"truncated":    valid[:len(valid)-3],
		"garbage":      {0xff, 0xff, 0xff},
		"missing type": protowire.AppendVarint(protowire.AppendTag(nil, 1, protowire.VarintType), 5),
	}
	for name, b := range cases {
		if _, err := protocol.Unmarshal(b); !errors.Is(err, protocol.ErrProtocol) {
			t.Fatalf("%s: expected ErrProtocol, got %v", name, err)
		}
	}
}

func TestFrameRoundTripAndLimit(t *testing.T) {
	var buf bytes.Buffer
	if err := protocol.WriteFrame(&buf, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame returned error: %v", err)
	}
	if err := protocol.WriteFrame(&buf, bytes.Repeat([]byte("x"), 64)); err != nil {
		t.Fatalf("WriteFrame returned error: %v", err)
	}

	got, err := protocol.ReadFrame(&buf, 32)
	if err != nil {
		t.Fatalf("ReadFrame returned error: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected frame %q", got)
	}
	if _, err := protocol.ReadFrame(&buf, 32); !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected oversize frame to fail with ErrProtocol, got %v", err)
	}
	if _, err := protocol.ReadFrame(&bytes.Buffer{}, 32); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF on empty stream, got %v", err)
	}
}

func TestRequestTypeNames(t *testing.T) {
	if protocol.TypeSetUserID.String() != "SetUserId" {
		t.Fatalf("unexpected name %q", protocol.TypeSetUserID)
	}
	if protocol.RequestType(200).Known() {
		t.Fatal("out of range type reported known")
	}
	if protocol.RequestType(200).String() != "RequestType(200)" {
		t.Fatalf("unexpected fallback name %q", protocol.RequestType(200))
	}
}

func TestParseNetwork(t *testing.T) {
	got, err := protocol.ParseNetwork("TestNet")
	if err != nil || got != protocol.NetworkTestNet {
		t.Fatalf("ParseNetwork(TestNet) = %v, %v", got, err)
	}
	if _, err := protocol.ParseNetwork("litecoin"); err == nil {
		t.Fatal("expected error for unknown network")
	}
}

func TestSpendValueSubtractsChange(t *testing.T) {
	req := protocol.SignTXRequest{
		Inputs: []protocol.TxInput{{Value: 70_000}, {Value: 80_000}},
		Change: &protocol.ChangeOutput{Address: "c", Value: 20_000},
	}
	if got := req.SpendValue(); got != 130_000 {
		t.Fatalf("SpendValue = %d", got)
	}
}

func TestSpendValuePrefersRecipients(t *testing.T) {
	req := protocol.SignTXRequest{
		Inputs:     []protocol.TxInput{{Value: 200_000}},
		Recipients: []protocol.Recipient{{Address: "a", Value: 50_000}, {Address: "b", Value: 25_000}},
		Change:     &protocol.ChangeOutput{Address: "c", Value: 120_000},
	}
	if got := req.SpendValue(); got != 75_000 {
		t.Fatalf("SpendValue = %d, want 75000", got)
	}
}

func TestWrapMatchesMarkerAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := protocol.Wrap(protocol.ErrSigning, "walletdb", "sign", "store signature", cause)
	if !errors.Is(err, protocol.ErrSigning) || !errors.Is(err, cause) {
		t.Fatalf("expected marker and cause to match: %v", err)
	}
	if !errors.Is(protocol.ErrSpendLimit, protocol.ErrPolicy) {
		t.Fatal("spend limit must classify as policy error")
	}
}
