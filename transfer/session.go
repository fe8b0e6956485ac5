// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transfer

import (
	"fmt"

	"github.com/btcsuite/cosign/fee"
	"github.com/btcsuite/cosign/policy"
	"github.com/btcsuite/cosign/psbtbuild"
	"github.com/btcsuite/cosign/signer"
	"github.com/btcsuite/cosign/spend"
)

// Session is the state of one confirmation flow. It is a value: every
// transition returns a new session and never changes the one it was given.
// The signed set is shared between copies and is never modified once
// built.
type Session struct {
	Recipient spend.Recipient
	Amount    spend.Amount
	Quotes    fee.QuoteSet

	// Selected is the tier the user has selected.
	Selected fee.Priority

	// Signed holds the app-signed PSBT of every built tier. It is nil
	// while the set is being built.
	Signed psbtbuild.SignedSet

	Sheet  Sheet
	Signal policy.Signal
	State  State

	// Factor is the second signer of the current or last attempt.
	Factor policy.Factor

	// Generation identifies the signed set. It grows on every rebuild so
	// that late results of an older build are dropped.
	Generation uint64

	// Attempt identifies the latest signing attempt.
	Attempt uint64
}

// NewSession returns a session in the initial state and the effect that
// builds its signed set.
func NewSession(recipient spend.Recipient, amount spend.Amount,
	quotes fee.QuoteSet, selected fee.Priority,
	signal policy.Signal) (Session, Effect) {

	s := Session{
		Recipient: recipient,
		Amount:    amount,
		Quotes:    quotes,
		Selected:  selected,
		Signal:    signal,
		State:     CreatingSignedPsbtSet{},
		Factor:    policy.FactorHardware,
	}

	return s.rebuild()
}

// SelectedPsbt returns the app-signed PSBT of the selected tier.
func (s Session) SelectedPsbt() (*spend.Psbt, bool) {
	if s.Signed == nil {
		return nil, false
	}

	return s.Signed.Lookup(s.Selected)
}

// SelectedFee returns the quote of the selected tier.
func (s Session) SelectedFee() (fee.Fee, bool) {
	return s.Quotes.Lookup(s.Selected)
}

// FactorForSelected returns the second signer the current signal allows for
// the selected tier's total. It is Hardware when the tier is not built.
func (s Session) FactorForSelected() policy.Factor {
	p, ok := s.SelectedPsbt()
	if !ok {
		return policy.FactorHardware
	}

	return s.Signal.FactorFor(p.Total())
}

// String returns a short description used in logs.
func (s Session) String() string {
	return fmt.Sprintf("session(gen=%d, state=%v, selected=%v, "+
		"tiers=%v, sheet=%v)", s.Generation, s.State, s.Selected,
		s.Signed.Priorities(), s.Sheet)
}

// rebuild discards the signed set and returns the effect building a new
// one.
func (s Session) rebuild() (Session, Effect) {
	s.Generation++
	s.Signed = nil
	s.Sheet = SheetNone
	s.State = CreatingSignedPsbtSet{}

	return s, BuildEffect{
		Generation: s.Generation,
		Request: psbtbuild.Request{
			Recipient: s.Recipient,
			Amount:    s.Amount,
			Quotes:    s.Quotes,
			Selected:  s.Selected,
		},
	}
}

// sign starts a new signing attempt of the selected tier with factor.
func (s Session) sign(p *spend.Psbt, factor policy.Factor) (Session, Effect) {
	s.Attempt++
	s.Factor = factor
	s.Sheet = SheetNone

	if factor == policy.FactorRemoteService {
		s.State = SigningWithRemoteService{Attempt: s.Attempt}
	} else {
		s.State = SigningWithHardware{Attempt: s.Attempt}
	}

	return s, SignEffect{
		Request: signer.Request{
			Attempt: s.Attempt,
			Psbt:    p,
			Factor:  factor,
		},
	}
}
