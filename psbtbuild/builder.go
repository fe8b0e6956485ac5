// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package psbtbuild builds one app-signed PSBT per fee tier of a quote set.
// Tiers are built concurrently and independently. Only the failure of the
// selected tier fails the build; any other failed tier is left out of the
// result and cannot be selected later.
package psbtbuild

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/cosign/fee"
	"github.com/btcsuite/cosign/spend"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInsufficientFunds is returned when the selected tier cannot be
	// paid for with the wallet's balance.
	ErrInsufficientFunds = errors.New("insufficient funds for selected " +
		"fee tier")

	// ErrSigning is returned for every other failure to build or sign the
	// selected tier.
	ErrSigning = errors.New("unable to build signed psbt")

	// ErrMissingConfig is returned when a builder is created without a
	// wallet or app key.
	ErrMissingConfig = errors.New("missing builder config")

	// errMalformedPsbt is returned when the wallet hands back a PSBT that
	// does not match the request it was built for.
	errMalformedPsbt = errors.New("wallet returned a malformed psbt")
)

// SpendingWallet creates PSBTs paying an absolute fee and signs them with the
// app key.
type SpendingWallet interface {
	// CreateSignedPsbt builds a transaction paying amount to recipient
	// with exactly the given absolute fee and adds the app signature to
	// every input. It returns spend.ErrInsufficientFunds when the
	// balance does not cover the amount plus fee.
	CreateSignedPsbt(ctx context.Context, recipient spend.Recipient,
		amount spend.Amount, fee btcutil.Amount) (*spend.Psbt, error)
}

// SignedSet maps each successfully built fee tier to its app-signed PSBT.
type SignedSet map[fee.Priority]*spend.Psbt

// Lookup returns the PSBT built for p.
func (s SignedSet) Lookup(p fee.Priority) (*spend.Psbt, bool) {
	psbt, ok := s[p]
	return psbt, ok
}

// Priorities returns the tiers of the set from fastest to slowest.
func (s SignedSet) Priorities() []fee.Priority {
	priorities := make([]fee.Priority, 0, len(s))
	for p := range s {
		priorities = append(priorities, p)
	}

	sort.Slice(priorities, func(i, j int) bool {
		return priorities[i] < priorities[j]
	})

	return priorities
}

// Request describes one fan-out build.
type Request struct {
	Recipient spend.Recipient
	Amount    spend.Amount
	Quotes    fee.QuoteSet

	// Selected is the tier the user currently has selected. It must be
	// present in Quotes.
	Selected fee.Priority
}

// Config holds the dependencies of a Builder.
type Config struct {
	// Wallet creates and app-signs each tier's PSBT.
	Wallet SpendingWallet

	// AppPubKey is the compressed public key the wallet signs with. Every
	// built PSBT must carry exactly one signature, made by this key.
	AppPubKey []byte
}

// Builder builds signed PSBT sets.
type Builder struct {
	cfg Config
}

// NewBuilder returns a builder for cfg.
func NewBuilder(cfg Config) (*Builder, error) {
	if cfg.Wallet == nil || len(cfg.AppPubKey) == 0 {
		return nil, ErrMissingConfig
	}

	return &Builder{cfg: cfg}, nil
}

// Build creates an app-signed PSBT for every tier in the request's quote
// set. Tiers with the same absolute fee describe the same transaction, so
// they are built and signed once and share the PSBT. Every tier finishes,
// successfully or not, before Build returns.
func (b *Builder) Build(ctx context.Context, req Request) (SignedSet, error) {
	if _, err := req.Quotes.Require(req.Selected); err != nil {
		return nil, err
	}

	if err := spend.ValidateAmount(req.Recipient, req.Amount); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}

	// Group the tiers by the absolute fee they pay.
	tiers := make(map[btcutil.Amount][]fee.Priority)
	for _, p := range req.Quotes.Priorities() {
		amt := req.Quotes[p].Amount
		tiers[amt] = append(tiers[amt], p)
	}

	fees := make([]btcutil.Amount, 0, len(tiers))
	for amt := range tiers {
		fees = append(fees, amt)
	}
	sort.Slice(fees, func(i, j int) bool { return fees[i] > fees[j] })

	log.Debugf("Building %d psbts for %d tiers paying %v to %v",
		len(fees), len(req.Quotes), req.Amount, req.Recipient)

	// One tier failing must not cancel the others.
	results := make([]fn.Result[*spend.Psbt], len(fees))

	var g errgroup.Group
	for i, amt := range fees {
		g.Go(func() error {
			results[i] = b.buildTier(ctx, req, amt)
			return nil
		})
	}
	_ = g.Wait()

	set := make(SignedSet, len(req.Quotes))

	var selectedErr error
	for i, amt := range fees {
		psbt, err := results[i].Unpack()

		for _, p := range tiers[amt] {
			if err == nil {
				set[p] = psbt
				continue
			}

			if p == req.Selected {
				selectedErr = err
				continue
			}

			log.Infof("Fee tier %v (%v) unavailable: %v", p, amt,
				err)
		}
	}

	if selectedErr != nil {
		log.Warnf("Selected fee tier %v failed: %v", req.Selected,
			selectedErr)

		if errors.Is(selectedErr, spend.ErrInsufficientFunds) {
			return nil, fmt.Errorf("%w: %w", ErrInsufficientFunds,
				selectedErr)
		}

		return nil, fmt.Errorf("%w: %w", ErrSigning, selectedErr)
	}

	log.Debugf("Built signed psbt set with tiers %v", set.Priorities())

	return set, nil
}

// buildTier creates and checks the PSBT paying feeAmt.
func (b *Builder) buildTier(ctx context.Context, req Request,
	feeAmt btcutil.Amount) fn.Result[*spend.Psbt] {

	psbt, err := b.cfg.Wallet.CreateSignedPsbt(
		ctx, req.Recipient, req.Amount, feeAmt,
	)
	if err != nil {
		return fn.Err[*spend.Psbt](err)
	}

	if err := b.verify(psbt, req.Amount, feeAmt); err != nil {
		return fn.Err[*spend.Psbt](err)
	}

	return fn.Ok(psbt)
}

// verify checks that psbt pays what was asked for and carries the app
// signature, and nothing else, on every input.
func (b *Builder) verify(psbt *spend.Psbt, amount spend.Amount,
	feeAmt btcutil.Amount) error {

	if psbt == nil || psbt.Packet == nil {
		return fmt.Errorf("%w: %w", errMalformedPsbt, spend.ErrNilPsbt)
	}

	if psbt.Fee < feeAmt {
		return fmt.Errorf("%w: fee %v below quote %v", errMalformedPsbt,
			psbt.Fee, feeAmt)
	}

	actualFee, err := psbt.Packet.GetTxFee()
	if err != nil {
		return fmt.Errorf("%w: %w", errMalformedPsbt, err)
	}
	if actualFee != psbt.Fee {
		return fmt.Errorf("%w: packet pays %v, reported %v",
			errMalformedPsbt, actualFee, psbt.Fee)
	}

	if exact, ok := amount.(spend.Exact); ok && psbt.Amount != exact.Value {
		return fmt.Errorf("%w: amount %v, requested %v",
			errMalformedPsbt, psbt.Amount, exact.Value)
	}

	if len(psbt.Packet.Inputs) == 0 {
		return fmt.Errorf("%w: no inputs", errMalformedPsbt)
	}

	for i, in := range psbt.Packet.Inputs {
		if len(in.PartialSigs) != 1 ||
			!bytes.Equal(in.PartialSigs[0].PubKey, b.cfg.AppPubKey) {

			return fmt.Errorf("%w: input %d is not signed by the "+
				"app key alone", errMalformedPsbt, i)
		}
	}

	return nil
}
