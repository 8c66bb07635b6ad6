package amount_test

import (
	"testing"

	"headless/internal/amount"
)

func TestParseBTC(t *testing.T) {
	cases := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{in: "1", want: amount.SatoshiPerBTC},
		{in: "0.015", want: 1_500_000},
		{in: " 0.00000001 ", want: 1},
		{in: "0", want: 0},
		{in: "0.000000001", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
		{in: "200000000000", wantErr: true},
	}
	for _, tc := range cases {
		got, err := amount.ParseBTC(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseBTC(%q) expected error, got %d", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseBTC(%q) returned error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseBTC(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseLimitEmptyIsUnlimited(t *testing.T) {
	got, err := amount.ParseLimit("")
	if err != nil {
		t.Fatalf("ParseLimit returned error: %v", err)
	}
	if got != amount.Unlimited {
		t.Fatalf("expected unlimited, got %d", got)
	}
}

func TestFormatting(t *testing.T) {
	if got := amount.FormatBTC(1_500_000); got != "0.01500000" {
		t.Fatalf("FormatBTC = %q", got)
	}
	if got := amount.FormatSatoshis(1_500_000); got != "1,500,000 sat" {
		t.Fatalf("FormatSatoshis = %q", got)
	}
	if got := amount.FormatBTC(amount.Unlimited); got != "unlimited" {
		t.Fatalf("FormatBTC(unlimited) = %q", got)
	}
}

func TestFromFloatRoundsToSatoshi(t *testing.T) {
	got, err := amount.FromFloat(0.1)
	if err != nil {
		t.Fatalf("FromFloat returned error: %v", err)
	}
	if got != 10_000_000 {
		t.Fatalf("FromFloat(0.1) = %d", got)
	}
	if _, err := amount.FromFloat(-0.5); err == nil {
		t.Fatal("expected error for negative amount")
	}
}
