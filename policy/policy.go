// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package policy decides which signer supplies the second signature of a
// 2-of-3 transfer.
//
// The remote co-signing service may only sign when it is reachable and the
// transfer, fee included, fits in what is left of the daily spending limit.
// Every other case requires the hardware device.
package policy

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Factor is the signer that supplies the second signature.
type Factor uint8

const (
	// FactorHardware is the user's hardware signing device.
	FactorHardware Factor = iota

	// FactorRemoteService is the remote co-signing service.
	FactorRemoteService
)

// String returns the string representation of a factor.
func (f Factor) String() string {
	switch f {
	case FactorHardware:
		return "hardware"

	case FactorRemoteService:
		return "remote-service"

	default:
		return fmt.Sprintf("unknown factor %d", uint8(f))
	}
}

// LimitStatus is the outcome of checking a transfer against the spending
// limit.
type LimitStatus uint8

const (
	// StatusRequiresHardware means the transfer is not covered by the
	// spending limit.
	StatusRequiresHardware LimitStatus = iota

	// StatusRemoteServiceAvailable means the transfer fits in the
	// remaining limit.
	StatusRemoteServiceAvailable
)

// String returns the string representation of a limit status.
func (s LimitStatus) String() string {
	switch s {
	case StatusRequiresHardware:
		return "requires-hardware"

	case StatusRemoteServiceAvailable:
		return "remote-service-available"

	default:
		return fmt.Sprintf("unknown status %d", uint8(s))
	}
}

// SpendingLimit is the user's configured daily limit and how much of it has
// been used today.
type SpendingLimit struct {
	Daily      btcutil.Amount
	SpentToday btcutil.Amount
}

// Remaining returns the part of the daily limit still available.
func (l SpendingLimit) Remaining() btcutil.Amount {
	if l.SpentToday >= l.Daily {
		return 0
	}

	return l.Daily - l.SpentToday
}

// Signal is the externally observed state the policy is evaluated against.
type Signal struct {
	// RemoteAvailable is false when the remote service is known to be
	// unable to co-sign, for example during an outage.
	RemoteAvailable bool

	// Limit is the configured spending limit, if any.
	Limit fn.Option[SpendingLimit]
}

// Equal reports whether two signals carry the same information.
func (s Signal) Equal(other Signal) bool {
	if s.RemoteAvailable != other.RemoteAvailable {
		return false
	}

	if s.Limit.IsSome() != other.Limit.IsSome() {
		return false
	}

	return s.Limit.UnwrapOr(SpendingLimit{}) ==
		other.Limit.UnwrapOr(SpendingLimit{})
}

// String returns a summary used in logs.
func (s Signal) String() string {
	limit := "none"
	s.Limit.WhenSome(func(l SpendingLimit) {
		limit = fmt.Sprintf("%v of %v left", l.Remaining(), l.Daily)
	})

	return fmt.Sprintf("remote_available=%v, limit=%s", s.RemoteAvailable,
		limit)
}

// Evaluate checks a transfer whose amount plus fee is total against the
// spending limit. Without a configured limit the hardware device is
// required.
func Evaluate(total btcutil.Amount,
	limit fn.Option[SpendingLimit]) LimitStatus {

	status := StatusRequiresHardware
	limit.WhenSome(func(l SpendingLimit) {
		if total <= l.Remaining() {
			status = StatusRemoteServiceAvailable
		}
	})

	return status
}

// Decide maps a limit status to a signer. A remote service that is not
// available always forces the hardware path, whatever the status says.
func Decide(status LimitStatus, remoteAvailable bool) Factor {
	if !remoteAvailable {
		return FactorHardware
	}

	if status == StatusRemoteServiceAvailable {
		return FactorRemoteService
	}

	return FactorHardware
}

// FactorFor evaluates and decides in one step for a transfer whose amount
// plus fee is total.
func (s Signal) FactorFor(total btcutil.Amount) Factor {
	return Decide(Evaluate(total, s.Limit), s.RemoteAvailable)
}
