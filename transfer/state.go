// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transfer

import (
	"fmt"

	"github.com/btcsuite/cosign/broadcast"
	"github.com/btcsuite/cosign/policy"
	"github.com/btcsuite/cosign/spend"
)

// State is the step of the confirmation flow a session is in.
type State interface {
	// String returns the name of the state.
	String() string

	// Terminal reports whether the flow has ended.
	Terminal() bool

	isState()
}

// CreatingSignedPsbtSet is the initial state: the app-signed PSBT of every
// fee tier is being built.
type CreatingSignedPsbtSet struct{}

func (CreatingSignedPsbtSet) String() string { return "CreatingSignedPsbtSet" }

// Terminal returns false.
func (CreatingSignedPsbtSet) Terminal() bool { return false }

func (CreatingSignedPsbtSet) isState() {}

// ViewingConfirmation shows the transfer for confirmation. The user may
// switch between built tiers, open sheets or confirm.
type ViewingConfirmation struct{}

func (ViewingConfirmation) String() string { return "ViewingConfirmation" }

// Terminal returns false.
func (ViewingConfirmation) Terminal() bool { return false }

func (ViewingConfirmation) isState() {}

// SigningWithRemoteService waits for the co-signing service.
type SigningWithRemoteService struct {
	Attempt uint64
}

func (s SigningWithRemoteService) String() string {
	return fmt.Sprintf("SigningWithRemoteService(attempt=%d)", s.Attempt)
}

// Terminal returns false.
func (SigningWithRemoteService) Terminal() bool { return false }

func (SigningWithRemoteService) isState() {}

// SigningWithHardware waits for the user to complete the hardware
// interaction.
type SigningWithHardware struct {
	Attempt uint64
}

func (s SigningWithHardware) String() string {
	return fmt.Sprintf("SigningWithHardware(attempt=%d)", s.Attempt)
}

// Terminal returns false.
func (SigningWithHardware) Terminal() bool { return false }

func (SigningWithHardware) isState() {}

// ErrorRemoteSigningFailed reports that the co-signing service could not
// sign. The user may fall back to the hardware device.
type ErrorRemoteSigningFailed struct {
	Err error
}

func (s ErrorRemoteSigningFailed) String() string {
	return fmt.Sprintf("ErrorRemoteSigningFailed(%v)", s.Err)
}

// Terminal returns false.
func (ErrorRemoteSigningFailed) Terminal() bool { return false }

func (ErrorRemoteSigningFailed) isState() {}

// Broadcasting publishes the fully signed transaction.
type Broadcasting struct {
	Attempt uint64
	Psbt    *spend.Psbt
	Factor  policy.Factor
}

func (s Broadcasting) String() string {
	return fmt.Sprintf("Broadcasting(attempt=%d, factor=%v)", s.Attempt,
		s.Factor)
}

// Terminal returns false.
func (Broadcasting) Terminal() bool { return false }

func (Broadcasting) isState() {}

// TransferInitiated is the terminal success state.
type TransferInitiated struct {
	Receipt broadcast.Receipt
}

func (s TransferInitiated) String() string {
	return fmt.Sprintf("TransferInitiated(%v)", s.Receipt)
}

// Terminal returns true.
func (TransferInitiated) Terminal() bool { return true }

func (TransferInitiated) isState() {}

// ErrorInsufficientFunds reports that the selected tier cannot be paid for.
// The user goes back to amount entry.
type ErrorInsufficientFunds struct {
	Err error
}

func (s ErrorInsufficientFunds) String() string {
	return fmt.Sprintf("ErrorInsufficientFunds(%v)", s.Err)
}

// Terminal returns false.
func (ErrorInsufficientFunds) Terminal() bool { return false }

func (ErrorInsufficientFunds) isState() {}

// ErrorGeneric reports any other failure. Retryable is set when the signed
// set is still valid and the user may confirm again.
type ErrorGeneric struct {
	Err       error
	Retryable bool
}

func (s ErrorGeneric) String() string {
	return fmt.Sprintf("ErrorGeneric(retryable=%v, %v)", s.Retryable,
		s.Err)
}

// Terminal returns false.
func (ErrorGeneric) Terminal() bool { return false }

func (ErrorGeneric) isState() {}

// Exited is the terminal state of a flow the user left.
type Exited struct {
	Reason ExitReason
}

func (s Exited) String() string {
	return fmt.Sprintf("Exited(%v)", s.Reason)
}

// Terminal returns true.
func (Exited) Terminal() bool { return true }

func (Exited) isState() {}

// ExitReason tells the caller where to go after the flow exits.
type ExitReason uint8

const (
	// ExitCancelled is a plain exit by the user.
	ExitCancelled ExitReason = iota

	// ExitBackToAmountEntry returns the user to amount entry.
	ExitBackToAmountEntry

	// ExitAfterError leaves the flow after a failure. The user has to
	// start a new send.
	ExitAfterError
)

func (r ExitReason) String() string {
	switch r {
	case ExitCancelled:
		return "cancelled"

	case ExitBackToAmountEntry:
		return "back to amount entry"

	case ExitAfterError:
		return "after error"

	default:
		return fmt.Sprintf("ExitReason(%d)", uint8(r))
	}
}

// Sheet is the informational sheet shown over the confirmation view.
type Sheet uint8

const (
	// SheetNone shows no sheet.
	SheetNone Sheet = iota

	// SheetFeeSelection lists the built tiers to choose from.
	SheetFeeSelection

	// SheetNetworkFeesInfo explains network fees.
	SheetNetworkFeesInfo

	// SheetSpendingLimitInfo explains the daily spending limit and why
	// the hardware device may be needed.
	SheetSpendingLimitInfo
)

func (s Sheet) String() string {
	switch s {
	case SheetNone:
		return "none"

	case SheetFeeSelection:
		return "fee selection"

	case SheetNetworkFeesInfo:
		return "network fees info"

	case SheetSpendingLimitInfo:
		return "spending limit info"

	default:
		return fmt.Sprintf("Sheet(%d)", uint8(s))
	}
}
