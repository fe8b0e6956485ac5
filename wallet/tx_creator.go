// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/cosign/pkg/btcunit"
	"github.com/btcsuite/cosign/spend"
)

const (
	// txVersion is the version of the transactions the wallet creates.
	txVersion = 2

	// inputBaseSize is the non-witness size of a P2WSH input: the
	// outpoint, an empty signature script and the sequence.
	inputBaseSize = 32 + 4 + 1 + 4

	// multisigWitnessWeight is the witness weight of a 2-of-3 P2WSH
	// input: the item count, the empty CHECKMULTISIG dummy, two
	// signatures of at most 73 bytes and the 105 byte witness script,
	// each with its length prefix.
	multisigWitnessWeight = 1 + 1 + RequiredSigs*(1+73) + 1 + 105

	// multisigInputWeight is the total weight of one account input.
	multisigInputWeight = inputBaseSize*4 + multisigWitnessWeight

	// segwitMarkerWeight is the weight of the segwit marker and flag.
	segwitMarkerWeight = 2
)

var (
	// ErrInvalidFee is returned when a negative fee is requested.
	ErrInvalidFee = errors.New("invalid fee")

	// ErrFeeTooLow is returned when the requested fee is below the
	// minimum relay fee for the transaction's size.
	ErrFeeTooLow = errors.New("fee below minimum relay fee")
)

// Coin represents a spendable UTXO which is available for coin selection.
type Coin struct {
	wire.TxOut
	wire.OutPoint
}

// sortByAmount is a generic sortable type for sorting coins by their amount.
type sortByAmount []Coin

func (s sortByAmount) Len() int { return len(s) }
func (s sortByAmount) Less(i, j int) bool {
	return s[i].Value < s[j].Value
}
func (s sortByAmount) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

// largestFirst returns a copy of coins ordered from the largest value to the
// smallest.
func largestFirst(coins []Coin) []Coin {
	arranged := make([]Coin, len(coins))
	copy(arranged, coins)

	sort.Sort(sort.Reverse(sortByAmount(arranged)))

	return arranged
}

// sumCoins returns the total value of coins.
func sumCoins(coins []Coin) btcutil.Amount {
	var total btcutil.Amount
	for _, c := range coins {
		total += btcutil.Amount(c.Value)
	}

	return total
}

// txPlan is the outcome of coin selection for a single transfer.
type txPlan struct {
	coins    []Coin
	pkScript []byte
	amount   btcutil.Amount
	change   btcutil.Amount
	fee      btcutil.Amount
}

// estimateVSize estimates the virtual size of a transaction spending
// numInputs account coins to outputs, plus a change output when
// changeScriptSize is non-zero. Non-witness parts are sized by txsizes and
// the multisig inputs are added on top.
func estimateVSize(numInputs int, outputs []*wire.TxOut,
	changeScriptSize int) btcunit.VByte {

	base := txsizes.EstimateVirtualSize(
		0, 0, 0, 0, outputs, changeScriptSize,
	)

	weight := uint64(base)*4 + segwitMarkerWeight +
		uint64(numInputs)*multisigInputWeight

	return btcunit.NewWeightUnit(weight).ToVB()
}

// planTx selects coins for paying amount to pkScript with an absolute fee.
// Coins are picked largest first. Change that would be dust is added to the
// fee instead of creating an output.
func (w *Wallet) planTx(pkScript []byte, amount spend.Amount,
	fee btcutil.Amount) (*txPlan, error) {

	coins := largestFirst(w.spendableCoins())
	changeScript := w.cfg.Account.PkScript()

	switch a := amount.(type) {
	case spend.SendAll:
		total := sumCoins(coins)
		value := total - fee
		dust := value > 0 && spend.IsDust(value, pkScript)
		if len(coins) == 0 || value <= 0 || dust {
			return nil, fmt.Errorf("%w: balance %v cannot pay fee "+
				"%v", spend.ErrInsufficientFunds, total, fee)
		}

		return &txPlan{
			coins:    coins,
			pkScript: pkScript,
			amount:   value,
			fee:      fee,
		}, nil

	case spend.Exact:
		target := a.Value + fee

		var (
			selected []Coin
			total    btcutil.Amount
		)
		for _, c := range coins {
			if total >= target {
				break
			}

			selected = append(selected, c)
			total += btcutil.Amount(c.Value)
		}

		if total < target {
			return nil, fmt.Errorf("%w: need %v, have %v",
				spend.ErrInsufficientFunds, target, total)
		}

		plan := &txPlan{
			coins:    selected,
			pkScript: pkScript,
			amount:   a.Value,
			change:   total - target,
			fee:      fee,
		}

		if plan.change > 0 && spend.IsDust(plan.change, changeScript) {
			log.Debugf("Adding dust change %v to fee %v",
				plan.change, fee)

			plan.fee += plan.change
			plan.change = 0
		}

		return plan, nil

	default:
		return nil, fmt.Errorf("%w: unknown amount type %T",
			spend.ErrInvalidAmount, amount)
	}
}

// checkRelayFee ensures the plan's fee meets the minimum relay fee for its
// estimated size.
func (w *Wallet) checkRelayFee(plan *txPlan) error {
	outputs := []*wire.TxOut{wire.NewTxOut(int64(plan.amount), plan.pkScript)}

	changeScriptSize := 0
	if plan.change > 0 {
		changeScriptSize = len(w.cfg.Account.PkScript())
	}

	size := estimateVSize(len(plan.coins), outputs, changeScriptSize)
	minFee := txrules.FeeForSerializeSize(
		spend.RelayFeeRate.Amount(), int(size.Val()),
	)

	if plan.fee < minFee {
		rate := btcunit.CalcSatPerVByte(plan.fee, size).ToSatPerKVByte()
		return fmt.Errorf("%w: fee %v (%v) < %v for %v, relay "+
			"minimum %v", ErrFeeTooLow, plan.fee, rate, minFee, size,
			spend.RelayFeeRate)
	}

	return nil
}

// buildPacket creates the unsigned PSBT for a plan and decorates every input
// with the information signers need. Inputs and outputs are sorted with
// BIP-69 so that the same plan always yields the same transaction.
func (w *Wallet) buildPacket(plan *txPlan) (*psbt.Packet, error) {
	tx := wire.NewMsgTx(txVersion)
	for _, c := range plan.coins {
		outPoint := c.OutPoint
		tx.AddTxIn(wire.NewTxIn(&outPoint, nil, nil))
	}

	recipientOut := wire.NewTxOut(int64(plan.amount), plan.pkScript)
	err := txrules.CheckOutput(recipientOut, spend.RelayFeeRate.Amount())
	if err != nil {
		return nil, fmt.Errorf("recipient output: %w", err)
	}
	tx.AddTxOut(recipientOut)

	if plan.change > 0 {
		tx.AddTxOut(wire.NewTxOut(
			int64(plan.change), w.cfg.Account.PkScript(),
		))
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return nil, err
	}

	for idx, c := range plan.coins {
		utxo := c.TxOut
		err := addInputInfoMultisig(
			updater, idx, &utxo, w.cfg.Account.WitnessScript(),
		)
		if err != nil {
			return nil, fmt.Errorf("decorate input %d: %w", idx,
				err)
		}
	}

	if err := psbt.InPlaceSort(packet); err != nil {
		return nil, err
	}

	return packet, nil
}

// CreateSignedPsbt builds a transaction paying amount to recipient with the
// given absolute fee and signs every input with the app key.
func (w *Wallet) CreateSignedPsbt(ctx context.Context,
	recipient spend.Recipient, amount spend.Amount,
	fee btcutil.Amount) (*spend.Psbt, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := w.state.validateSynced(); err != nil {
		return nil, err
	}

	if fee < 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFee, fee)
	}

	if err := spend.ValidateAmount(recipient, amount); err != nil {
		return nil, err
	}

	pkScript, err := recipient.PkScript()
	if err != nil {
		return nil, err
	}

	plan, err := w.planTx(pkScript, amount, fee)
	if err != nil {
		return nil, err
	}

	if err := w.checkRelayFee(plan); err != nil {
		return nil, err
	}

	packet, err := w.buildPacket(plan)
	if err != nil {
		return nil, err
	}

	if err := w.appSigner.signInPlace(packet); err != nil {
		return nil, fmt.Errorf("app signing: %w", err)
	}

	p := &spend.Psbt{Packet: packet, Amount: plan.amount, Fee: plan.fee}

	log.Debugf("Created app-signed %v spending %d coins", p,
		len(plan.coins))

	return p, nil
}

// EstimateVSize estimates the size of the transaction paying amount to
// recipient. For exact amounts the coins covering the amount are counted,
// so a fee that tips selection into one more coin is not accounted for.
func (w *Wallet) EstimateVSize(_ context.Context, recipient spend.Recipient,
	amount spend.Amount) (btcunit.VByte, error) {

	if err := w.state.validateSynced(); err != nil {
		return btcunit.VByte{}, err
	}

	pkScript, err := recipient.PkScript()
	if err != nil {
		return btcunit.VByte{}, err
	}

	// The output value does not change its size.
	outputs := []*wire.TxOut{wire.NewTxOut(0, pkScript)}
	coins := largestFirst(w.spendableCoins())

	switch a := amount.(type) {
	case spend.SendAll:
		if len(coins) == 0 {
			return btcunit.VByte{}, spend.ErrInsufficientFunds
		}

		return estimateVSize(len(coins), outputs, 0), nil

	case spend.Exact:
		var (
			total btcutil.Amount
			n     int
		)
		for _, c := range coins {
			if total >= a.Value {
				break
			}

			total += btcutil.Amount(c.Value)
			n++
		}

		if total < a.Value {
			return btcunit.VByte{}, fmt.Errorf("%w: need %v, "+
				"have %v", spend.ErrInsufficientFunds, a.Value,
				total)
		}

		return estimateVSize(
			n, outputs, len(w.cfg.Account.PkScript()),
		), nil

	default:
		return btcunit.VByte{}, fmt.Errorf("%w: unknown amount type %T",
			spend.ErrInvalidAmount, amount)
	}
}
