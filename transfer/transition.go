// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transfer

import (
	"errors"
	"fmt"

	"github.com/btcsuite/cosign/broadcast"
	"github.com/btcsuite/cosign/fee"
	"github.com/btcsuite/cosign/policy"
	"github.com/btcsuite/cosign/psbtbuild"
	"github.com/btcsuite/cosign/signer"
)

var (
	// ErrInvalidEvent is returned when an event is not accepted in the
	// session's current state.
	ErrInvalidEvent = errors.New("event not valid in current state")

	// ErrPriorityUnavailable is returned when the user selects a tier
	// whose PSBT could not be built.
	ErrPriorityUnavailable = errors.New("fee tier unavailable")

	// ErrSessionEnded is returned for any event after the flow reached a
	// terminal state.
	ErrSessionEnded = errors.New("confirmation session ended")

	// ErrUnknownSheet is returned when opening a sheet that does not
	// exist.
	ErrUnknownSheet = errors.New("unknown sheet")
)

// Transition applies ev to s. It returns the next session and the effect
// the controller has to run, which may be nil. On error the returned
// session is s unchanged.
//
// Completions of effects that no longer match the session, such as a build
// of an older generation or a signing result of an older attempt, are
// dropped without an error.
func Transition(s Session, ev Event) (Session, Effect, error) {
	if s.State == nil {
		s.State = CreatingSignedPsbtSet{}
	}

	if s.State.Terminal() {
		return s, nil, fmt.Errorf("%w: %v", ErrSessionEnded, s.State)
	}

	// A few events are handled the same in every live state.
	switch e := ev.(type) {
	case SignalChanged:
		s.Signal = e.Signal
		return s, nil, nil

	case Restart:
		return restart(s, e)
	}

	var (
		next   Session
		effect Effect
		err    error
	)
	switch st := s.State.(type) {
	case CreatingSignedPsbtSet:
		next, effect, err = onCreating(s, ev)

	case ViewingConfirmation:
		next, effect, err = onViewing(s, ev)

	case SigningWithRemoteService:
		next, effect, err = onRemoteSigning(s, st, ev)

	case ErrorRemoteSigningFailed:
		next, effect, err = onRemoteFailed(s, ev)

	case SigningWithHardware:
		next, effect, err = onHardwareSigning(s, st, ev)

	case Broadcasting:
		next, effect, err = onBroadcasting(s, st, ev)

	case ErrorInsufficientFunds:
		next, effect, err = onInsufficientFunds(s, ev)

	case ErrorGeneric:
		next, effect, err = onGenericError(s, st, ev)

	default:
		err = fmt.Errorf("unknown state %T", s.State)
	}

	if err != nil {
		return s, nil, err
	}

	return next, effect, nil
}

// invalid returns the error for ev in s's state.
func invalid(s Session, ev Event) error {
	return fmt.Errorf("%w: %T in %v", ErrInvalidEvent, ev, s.State)
}

// exit ends the flow with reason.
func exit(s Session, reason ExitReason) (Session, Effect, error) {
	s.Sheet = SheetNone
	s.State = Exited{Reason: reason}

	return s, nil, nil
}

// restart discards the signed set and rebuilds it for a new amount. It is
// refused while an attempt is in flight.
func restart(s Session, e Restart) (Session, Effect, error) {
	switch s.State.(type) {
	case SigningWithRemoteService, SigningWithHardware, Broadcasting:
		return s, nil, invalid(s, e)
	}

	if e.Amount == nil {
		return s, nil, fmt.Errorf("%w: restart without amount",
			ErrInvalidEvent)
	}

	s.Amount = e.Amount
	if e.Quotes != nil {
		s.Quotes = e.Quotes
	}

	next, effect := s.rebuild()

	return next, effect, nil
}

func onCreating(s Session, ev Event) (Session, Effect, error) {
	switch e := ev.(type) {
	case BuildFinished:
		if e.Generation != s.Generation {
			log.Debugf("Dropping build of generation %d, session is "+
				"at %d", e.Generation, s.Generation)

			return s, nil, nil
		}

		switch {
		case errors.Is(e.Err, psbtbuild.ErrInsufficientFunds):
			s.State = ErrorInsufficientFunds{Err: e.Err}

		case e.Err != nil:
			s.State = ErrorGeneric{Err: e.Err}

		default:
			if _, ok := e.Set.Lookup(s.Selected); !ok {
				s.State = ErrorGeneric{
					Err: fmt.Errorf("%w: selected tier %v "+
						"missing from signed set",
						psbtbuild.ErrSigning, s.Selected),
				}

				return s, nil, nil
			}

			s.Signed = e.Set
			s.State = ViewingConfirmation{}
		}

		return s, nil, nil

	case Exit:
		return exit(s, ExitCancelled)
	}

	return s, nil, invalid(s, ev)
}

func onViewing(s Session, ev Event) (Session, Effect, error) {
	switch e := ev.(type) {
	case SelectPriority:
		if !e.Priority.IsValid() {
			return s, nil, fmt.Errorf("%w: %v",
				fee.ErrUnknownPriority, e.Priority)
		}

		if _, ok := s.Signed.Lookup(e.Priority); !ok {
			return s, nil, fmt.Errorf("%w: %v",
				ErrPriorityUnavailable, e.Priority)
		}

		s.Selected = e.Priority
		if s.Sheet == SheetFeeSelection {
			s.Sheet = SheetNone
		}

		return s, nil, nil

	case OpenSheet:
		if e.Sheet == SheetNone || e.Sheet > SheetSpendingLimitInfo {
			return s, nil, fmt.Errorf("%w: %v", ErrUnknownSheet,
				e.Sheet)
		}

		s.Sheet = e.Sheet

		return s, nil, nil

	case CloseSheet:
		s.Sheet = SheetNone
		return s, nil, nil

	case Confirm:
		p, ok := s.SelectedPsbt()
		if !ok {
			return s, nil, fmt.Errorf("%w: %v",
				ErrPriorityUnavailable, s.Selected)
		}

		// The factor is derived from the signal as it is now, for the
		// tier selected now.
		next, effect := s.sign(p, s.Signal.FactorFor(p.Total()))

		return next, effect, nil

	case Exit:
		return exit(s, ExitCancelled)
	}

	return s, nil, invalid(s, ev)
}

func onRemoteSigning(s Session, st SigningWithRemoteService,
	ev Event) (Session, Effect, error) {

	e, ok := ev.(SigningFinished)
	if !ok {
		return s, nil, invalid(s, ev)
	}

	if e.Attempt != st.Attempt {
		return s, nil, nil
	}

	switch {
	case e.Err == nil:
		return broadcasting(s, e)

	case errors.Is(e.Err, signer.ErrRemoteSigningFailed):
		s.State = ErrorRemoteSigningFailed{Err: e.Err}

	default:
		s.State = ErrorGeneric{Err: e.Err}
	}

	return s, nil, nil
}

func onRemoteFailed(s Session, ev Event) (Session, Effect, error) {
	switch ev.(type) {
	case FallbackToHardware:
		// The same app-signed PSBT is handed to the device.
		p, ok := s.SelectedPsbt()
		if !ok {
			return s, nil, fmt.Errorf("%w: %v",
				ErrPriorityUnavailable, s.Selected)
		}

		next, effect := s.sign(p, policy.FactorHardware)

		return next, effect, nil

	case Exit:
		return exit(s, ExitCancelled)
	}

	return s, nil, invalid(s, ev)
}

func onHardwareSigning(s Session, st SigningWithHardware,
	ev Event) (Session, Effect, error) {

	switch e := ev.(type) {
	case CancelHardware:
		// The state changes once the device reports the cancellation.
		return s, CancelSignEffect{Attempt: st.Attempt}, nil

	case SigningFinished:
		if e.Attempt != st.Attempt {
			return s, nil, nil
		}

		switch {
		case e.Err == nil:
			return broadcasting(s, e)

		case errors.Is(e.Err, signer.ErrHardwareCancelled):
			s.State = ViewingConfirmation{}

		default:
			s.State = ErrorGeneric{Err: e.Err, Retryable: true}
		}

		return s, nil, nil
	}

	return s, nil, invalid(s, ev)
}

// broadcasting moves a signed attempt to Broadcasting.
func broadcasting(s Session, e SigningFinished) (Session, Effect, error) {
	if e.Psbt == nil {
		s.State = ErrorGeneric{
			Err:       errors.New("signer returned no psbt"),
			Retryable: true,
		}

		return s, nil, nil
	}

	s.State = Broadcasting{
		Attempt: e.Attempt,
		Psbt:    e.Psbt,
		Factor:  s.Factor,
	}

	return s, BroadcastEffect{
		Attempt: e.Attempt,
		Request: broadcast.Request{
			Psbt:     e.Psbt,
			Priority: s.Selected,
			Factor:   s.Factor,
		},
	}, nil
}

func onBroadcasting(s Session, st Broadcasting,
	ev Event) (Session, Effect, error) {

	e, ok := ev.(BroadcastFinished)
	if !ok {
		return s, nil, invalid(s, ev)
	}

	if e.Attempt != st.Attempt {
		return s, nil, nil
	}

	// A publish failure the co-signing service covers is already turned
	// into an unpublished receipt by the broadcaster. Any error that
	// reaches this point failed the attempt on either path.
	if e.Err == nil && e.Receipt != nil {
		s.State = TransferInitiated{Receipt: *e.Receipt}
		return s, nil, nil
	}

	err := e.Err
	if err == nil {
		err = broadcast.ErrBroadcastFailed
	}

	log.Errorf("Broadcast of %v via %v failed: %v", st.Psbt, st.Factor,
		err)

	s.State = ErrorGeneric{Err: err, Retryable: true}

	return s, nil, nil
}

func onInsufficientFunds(s Session, ev Event) (Session, Effect, error) {
	if _, ok := ev.(Exit); ok {
		return exit(s, ExitBackToAmountEntry)
	}

	return s, nil, invalid(s, ev)
}

func onGenericError(s Session, st ErrorGeneric,
	ev Event) (Session, Effect, error) {

	switch ev.(type) {
	case Retry:
		if !st.Retryable || s.Signed == nil {
			return s, nil, invalid(s, ev)
		}

		s.State = ViewingConfirmation{}

		return s, nil, nil

	case Exit:
		return exit(s, ExitAfterError)
	}

	return s, nil, invalid(s, ev)
}
