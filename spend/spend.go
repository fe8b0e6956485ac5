// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package spend defines the values that flow through a single outgoing
// transfer: who is paid, how much, and the partially signed transaction that
// pays them.
package spend

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/cosign/pkg/btcunit"
)

// RelayFeeRate is the minimum relay fee rate of a default mempool. Dust and
// minimum fees are derived from it.
var RelayFeeRate = btcunit.NewSatPerKVByte(txrules.DefaultRelayFeePerKb)

// IsDust reports whether an output paying value to pkScript is dust at
// RelayFeeRate.
func IsDust(value btcutil.Amount, pkScript []byte) bool {
	return txrules.IsDustOutput(
		wire.NewTxOut(int64(value), pkScript), RelayFeeRate.Amount(),
	)
}

var (
	// ErrInsufficientFunds is returned by a spending wallet when the
	// spendable balance cannot cover the amount plus the requested fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrWrongNetwork is returned when a recipient address belongs to a
	// different bitcoin network than the wallet.
	ErrWrongNetwork = errors.New("address is for a different network")

	// ErrInvalidAmount is returned when an exact amount is not positive.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrDustAmount is returned when an exact amount would create an
	// output that relay policy treats as dust.
	ErrDustAmount = errors.New("amount is below the dust limit")

	// ErrNoRecipient is returned when a zero Recipient is used.
	ErrNoRecipient = errors.New("no recipient")
)

// Recipient is a validated destination address. The zero value is not a
// valid recipient.
type Recipient struct {
	addr btcutil.Address
}

// NewRecipient wraps an already decoded address.
func NewRecipient(addr btcutil.Address) Recipient {
	return Recipient{addr: addr}
}

// ParseRecipient decodes addr and checks that it belongs to the given
// network.
func ParseRecipient(addr string, params *chaincfg.Params) (Recipient, error) {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return Recipient{}, fmt.Errorf("decode address %q: %w", addr,
			err)
	}

	if !decoded.IsForNet(params) {
		return Recipient{}, fmt.Errorf("%w: %v is not a %s address",
			ErrWrongNetwork, addr, params.Name)
	}

	return Recipient{addr: decoded}, nil
}

// Address returns the underlying address.
func (r Recipient) Address() btcutil.Address {
	return r.addr
}

// IsZero reports whether the recipient is unset.
func (r Recipient) IsZero() bool {
	return r.addr == nil
}

// PkScript returns the output script paying the recipient.
func (r Recipient) PkScript() ([]byte, error) {
	if r.IsZero() {
		return nil, ErrNoRecipient
	}

	return txscript.PayToAddrScript(r.addr)
}

// String returns the encoded address.
func (r Recipient) String() string {
	if r.IsZero() {
		return "<none>"
	}

	return r.addr.EncodeAddress()
}

// Amount is the requested send amount. It is a sealed interface: the only
// implementations are Exact and SendAll.
type Amount interface {
	// String returns a human readable description of the amount.
	String() string

	// isAmount is a private marker method that seals the interface.
	isAmount()
}

// Exact sends a fixed value to the recipient. The fee is paid on top.
type Exact struct {
	Value btcutil.Amount
}

// String returns the amount in BTC.
func (e Exact) String() string {
	return e.Value.String()
}

func (Exact) isAmount() {}

// SendAll drains the whole spendable balance to the recipient. The fee is
// deducted from the balance, so the recipient receives balance minus fee.
type SendAll struct{}

// String returns a fixed description.
func (SendAll) String() string {
	return "all funds"
}

func (SendAll) isAmount() {}

// ValidateAmount checks that an amount can be paid to the recipient. SendAll
// is always accepted here since its value is only known once the wallet has
// selected coins.
func ValidateAmount(r Recipient, amount Amount) error {
	pkScript, err := r.PkScript()
	if err != nil {
		return err
	}

	switch a := amount.(type) {
	case Exact:
		if a.Value <= 0 {
			return fmt.Errorf("%w: %v", ErrInvalidAmount, a.Value)
		}

		if IsDust(a.Value, pkScript) {
			return fmt.Errorf("%w: %v", ErrDustAmount, a.Value)
		}

		return nil

	case SendAll:
		return nil

	default:
		return fmt.Errorf("%w: unknown amount type %T",
			ErrInvalidAmount, amount)
	}
}
