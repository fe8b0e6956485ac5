// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcunit provides a set of types for dealing with bitcoin units.
package btcunit

import (
	"errors"
	"math"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
)

const (
	// kilo is a generic multiplier for kilo units.
	kilo = 1000

	// floatStringPrecision is the number of decimal places to use when
	// converting a fee rate to a string. Three places keep sub-sat/vb
	// rates such as 0.001 sat/vb from being displayed as zero.
	floatStringPrecision = 3
)

var (
	// ErrInvalidFeeRate is returned when a fee rate reported by an
	// external source cannot be represented.
	ErrInvalidFeeRate = errors.New("invalid fee rate")

	// ZeroSatPerVByte is a fee rate of 0 sat/vb.
	ZeroSatPerVByte = NewSatPerVByte(0)
)

// feeRate stores the canonical representation of a fee rate, which is
// satoshis per kilo-weight-unit (sat/kwu). The zero value is a zero rate.
type feeRate struct {
	satsPerKWU *big.Rat
}

// newFeeRate creates a fee rate of fee*kilo/wu sat/kwu. A zero weight yields
// a zero rate.
func newFeeRate(fee btcutil.Amount, wu uint64) feeRate {
	if wu == 0 {
		return feeRate{satsPerKWU: big.NewRat(0, 1)}
	}

	return feeRate{satsPerKWU: big.NewRat(
		int64(fee)*kilo, safeUint64ToInt64(wu),
	)}
}

// rat returns the rate as a rational, treating an unset rate as zero.
func (f feeRate) rat() *big.Rat {
	if f.satsPerKWU == nil {
		return big.NewRat(0, 1)
	}

	return f.satsPerKWU
}

// feeForWeight returns the fee for the given weight, rounded up to the next
// whole satoshi so that the resulting rate never drops below this one.
func (f feeRate) feeForWeight(w WeightUnit) btcutil.Amount {
	fee := new(big.Rat).Mul(
		f.rat(), big.NewRat(safeUint64ToInt64(w.wu), kilo),
	)

	num, denom := fee.Num(), fee.Denom()

	// Ceiling division: (num + denom - 1) / denom.
	result := new(big.Int).Add(num, denom)
	result.Sub(result, big.NewInt(1))
	result.Div(result, denom)

	return btcutil.Amount(result.Int64())
}

// cmp compares two fee rates.
func (f feeRate) cmp(other feeRate) int {
	return f.rat().Cmp(other.rat())
}

// SatPerVByte represents a fee rate in sat/vbyte. It is the unit fee
// estimators quote in and the one presented to users.
type SatPerVByte struct {
	feeRate
}

// NewSatPerVByte creates a new fee rate in sat/vb.
func NewSatPerVByte(rate btcutil.Amount) SatPerVByte {
	return CalcSatPerVByte(rate, NewVByte(1))
}

// CalcSatPerVByte calculates the fee rate in sat/vb paid by the given fee for
// a transaction of the given virtual size.
func CalcSatPerVByte(fee btcutil.Amount, size VByte) SatPerVByte {
	return SatPerVByte{newFeeRate(fee, size.wu)}
}

// SatPerVByteFromBTCPerKVByte converts a rate expressed in BTC/kvB, as
// returned by bitcoind's estimatesmartfee, into sat/vb.
func SatPerVByteFromBTCPerKVByte(btcPerKVB float64) (SatPerVByte, error) {
	if btcPerKVB < 0 || math.IsNaN(btcPerKVB) || math.IsInf(btcPerKVB, 0) {
		return ZeroSatPerVByte, ErrInvalidFeeRate
	}

	satsPerKVB, err := btcutil.NewAmount(btcPerKVB)
	if err != nil {
		return ZeroSatPerVByte, errors.Join(ErrInvalidFeeRate, err)
	}

	return SatPerVByte{newFeeRate(
		satsPerKVB, kilo*blockchain.WitnessScaleFactor,
	)}, nil
}

// FeeForVSize returns the absolute fee paid at this rate by a transaction of
// the given virtual size.
func (s SatPerVByte) FeeForVSize(size VByte) btcutil.Amount {
	return s.feeForWeight(size.ToWU())
}

// ToSatPerKVByte converts the fee rate to sat/kvb.
func (s SatPerVByte) ToSatPerKVByte() SatPerKVByte {
	return SatPerKVByte(s)
}

// IsZero returns true if the rate is zero.
func (s SatPerVByte) IsZero() bool {
	return s.rat().Sign() == 0
}

// Cmp compares two rates, returning -1, 0 or +1.
func (s SatPerVByte) Cmp(other SatPerVByte) int {
	return s.cmp(other.feeRate)
}

// Equal returns true if the fee rate is equal to the other fee rate.
func (s SatPerVByte) Equal(other SatPerVByte) bool {
	return s.Cmp(other) == 0
}

// LessThan returns true if the fee rate is less than the other fee rate.
func (s SatPerVByte) LessThan(other SatPerVByte) bool {
	return s.Cmp(other) < 0
}

// String returns a human-readable string of the fee rate.
func (s SatPerVByte) String() string {
	vbRate := new(big.Rat).Mul(
		s.rat(), big.NewRat(blockchain.WitnessScaleFactor, kilo),
	)

	return vbRate.FloatString(floatStringPrecision) + " sat/vb"
}

// SatPerKVByte represents a fee rate in sat/kvb, the unit used by relay
// policy checks.
type SatPerKVByte struct {
	feeRate
}

// NewSatPerKVByte creates a new fee rate in sat/kvb.
func NewSatPerKVByte(rate btcutil.Amount) SatPerKVByte {
	return SatPerKVByte{newFeeRate(rate, kilo*blockchain.WitnessScaleFactor)}
}

// Amount returns the rate as a whole number of satoshis per kvb, truncating
// any fractional part.
func (s SatPerKVByte) Amount() btcutil.Amount {
	kvbRate := new(big.Rat).Mul(
		s.rat(), big.NewRat(blockchain.WitnessScaleFactor, 1),
	)

	return btcutil.Amount(new(big.Int).Quo(
		kvbRate.Num(), kvbRate.Denom(),
	).Int64())
}

// String returns a human-readable string of the fee rate.
func (s SatPerKVByte) String() string {
	kvbRate := new(big.Rat).Mul(
		s.rat(), big.NewRat(blockchain.WitnessScaleFactor, 1),
	)

	return kvbRate.FloatString(floatStringPrecision) + " sat/kvb"
}

// safeUint64ToInt64 converts a uint64 to an int64, capping at math.MaxInt64.
// The values converted here are transaction weights which consensus bounds
// far below the cap.
func safeUint64ToInt64(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}

	return int64(u)
}
