// Package amount converts between decimal BTC strings and satoshi counts.
package amount

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// SatoshiPerBTC is the number of base units in one bitcoin.
const SatoshiPerBTC = 100_000_000

// Unlimited marks a spend counter without a configured bound.
const Unlimited uint64 = math.MaxUint64

const btcExponent = -8

var maxSatoshi = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// ParseBTC converts a decimal BTC string such as "0.015" into satoshis.
// Negative values and sub-satoshi precision are rejected.
func ParseBTC(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, errors.New("empty amount")
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", value, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("amount %q is negative", value)
	}
	sats := d.Shift(-btcExponent)
	if !sats.Equal(sats.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has sub-satoshi precision", value)
	}
	if sats.GreaterThan(maxSatoshi) {
		return 0, fmt.Errorf("amount %q overflows", value)
	}
	return sats.BigInt().Uint64(), nil
}

// ParseLimit is ParseBTC with an empty value meaning Unlimited.
func ParseLimit(value string) (uint64, error) {
	if strings.TrimSpace(value) == "" {
		return Unlimited, nil
	}
	return ParseBTC(value)
}

// FormatBTC renders satoshis with eight decimal places.
func FormatBTC(sats uint64) string {
	if sats == Unlimited {
		return "unlimited"
	}
	return decimal.NewFromBigInt(new(big.Int).SetUint64(sats), btcExponent).StringFixed(8)
}

// FromFloat converts a BTC float, as accepted on the legacy command line,
// rounding to the nearest satoshi.
func FromFloat(btc float64) (uint64, error) {
	if btc < 0 || math.IsNaN(btc) || math.IsInf(btc, 0) {
		return 0, fmt.Errorf("invalid amount %v", btc)
	}
	sats := decimal.NewFromFloat(btc).Shift(-btcExponent).Round(0)
	if sats.GreaterThan(maxSatoshi) {
		return 0, fmt.Errorf("amount %v overflows", btc)
	}
	return sats.BigInt().Uint64(), nil
}

var printer = message.NewPrinter(language.English)

// FormatSatoshis renders a grouped satoshi count, e.g. "1,500,000 sat".
func FormatSatoshis(sats uint64) string {
	if sats == Unlimited {
		return "unlimited"
	}
	return printer.Sprintf("%d sat", sats)
}
