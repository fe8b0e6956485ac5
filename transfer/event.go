// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transfer

import (
	"github.com/btcsuite/cosign/broadcast"
	"github.com/btcsuite/cosign/fee"
	"github.com/btcsuite/cosign/policy"
	"github.com/btcsuite/cosign/psbtbuild"
	"github.com/btcsuite/cosign/signer"
	"github.com/btcsuite/cosign/spend"
)

// Event is an input to the state machine: a user action or the completion
// of an effect.
type Event interface {
	isEvent()
}

// BuildFinished reports the result of a BuildEffect.
type BuildFinished struct {
	Generation uint64
	Set        psbtbuild.SignedSet
	Err        error
}

// SelectPriority switches to another built tier.
type SelectPriority struct {
	Priority fee.Priority
}

// OpenSheet shows an informational sheet.
type OpenSheet struct {
	Sheet Sheet
}

// CloseSheet hides the current sheet.
type CloseSheet struct{}

// Confirm starts signing the selected tier.
type Confirm struct{}

// SigningFinished reports the result of a SignEffect.
type SigningFinished struct {
	Attempt uint64
	Psbt    *spend.Psbt
	Err     error
}

// FallbackToHardware retries a failed remote signing with the hardware
// device.
type FallbackToHardware struct{}

// CancelHardware cancels the hardware interaction in progress.
type CancelHardware struct{}

// BroadcastFinished reports the result of a BroadcastEffect.
type BroadcastFinished struct {
	Attempt uint64
	Receipt *broadcast.Receipt
	Err     error
}

// SignalChanged carries a new spending limit and availability signal.
type SignalChanged struct {
	Signal policy.Signal
}

// Retry returns to the confirmation view after a retryable failure.
type Retry struct{}

// Exit leaves the flow.
type Exit struct{}

// Restart re-enters the flow with a new amount. Every PSBT built so far is
// discarded.
type Restart struct {
	Amount spend.Amount
	Quotes fee.QuoteSet
}

func (BuildFinished) isEvent()      {}
func (SelectPriority) isEvent()     {}
func (OpenSheet) isEvent()          {}
func (CloseSheet) isEvent()         {}
func (Confirm) isEvent()            {}
func (SigningFinished) isEvent()    {}
func (FallbackToHardware) isEvent() {}
func (CancelHardware) isEvent()     {}
func (BroadcastFinished) isEvent()  {}
func (SignalChanged) isEvent()      {}
func (Retry) isEvent()              {}
func (Exit) isEvent()               {}
func (Restart) isEvent()            {}

// Effect is work a transition asks the controller to perform. Its outcome
// is fed back as an event.
type Effect interface {
	isEffect()
}

// BuildEffect builds the signed PSBT set. It completes with BuildFinished.
type BuildEffect struct {
	Generation uint64
	Request    psbtbuild.Request
}

// SignEffect applies the second signature. It completes with
// SigningFinished.
type SignEffect struct {
	Request signer.Request
}

// CancelSignEffect cancels the hardware interaction of an attempt.
type CancelSignEffect struct {
	Attempt uint64
}

// BroadcastEffect publishes a signed transfer. It completes with
// BroadcastFinished.
type BroadcastEffect struct {
	Attempt uint64
	Request broadcast.Request
}

func (BuildEffect) isEffect()      {}
func (SignEffect) isEffect()       {}
func (CancelSignEffect) isEffect() {}
func (BroadcastEffect) isEffect()  {}
