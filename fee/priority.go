// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package fee holds the fee tiers a transfer can be confirmed at and the
// quotes that price each tier.
package fee

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/cosign/pkg/btcunit"
)

var (
	// ErrUnknownPriority is returned when a priority name cannot be
	// parsed.
	ErrUnknownPriority = errors.New("unknown priority")

	// ErrMissingQuote is returned when a quote set has no entry for the
	// priority that was asked for.
	ErrMissingQuote = errors.New("no fee quote for priority")
)

// Priority is a confirmation speed tier. Priorities are ordered from the
// fastest to the slowest tier.
type Priority uint8

const (
	// PriorityFastest targets confirmation in the next block.
	PriorityFastest Priority = iota

	// PriorityStandard targets confirmation within about half an hour.
	PriorityStandard

	// PrioritySlow targets confirmation within about an hour.
	PrioritySlow

	// numPriorities is the number of known priorities.
	numPriorities
)

// All returns every priority from fastest to slowest.
func All() []Priority {
	all := make([]Priority, 0, numPriorities)
	for p := PriorityFastest; p < numPriorities; p++ {
		all = append(all, p)
	}

	return all
}

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool {
	return p < numPriorities
}

// TargetBlocks returns the confirmation target, in blocks, that a fee
// estimator is asked for when pricing this tier.
func (p Priority) TargetBlocks() uint32 {
	switch p {
	case PriorityFastest:
		return 1

	case PriorityStandard:
		return 3

	default:
		return 6
	}
}

// String returns the string representation of a priority.
func (p Priority) String() string {
	switch p {
	case PriorityFastest:
		return "fastest"

	case PriorityStandard:
		return "standard"

	case PrioritySlow:
		return "slow"

	default:
		return fmt.Sprintf("unknown priority %d", uint8(p))
	}
}

// ParsePriority parses the name returned by Priority.String.
func ParsePriority(s string) (Priority, error) {
	for _, p := range All() {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownPriority, s)
}

// Fee is the price of one tier: the rate and the absolute fee paid at that
// rate for the transfer being confirmed.
type Fee struct {
	Rate   btcunit.SatPerVByte
	Amount btcutil.Amount
}

// String returns the fee as "amount (rate)".
func (f Fee) String() string {
	return fmt.Sprintf("%v (%v)", f.Amount, f.Rate)
}

// QuoteSet maps each priority that could be priced to its fee. A set may be
// missing priorities.
type QuoteSet map[Priority]Fee

// Lookup returns the fee for p.
func (q QuoteSet) Lookup(p Priority) (Fee, bool) {
	f, ok := q[p]
	return f, ok
}

// Require returns the fee for p or ErrMissingQuote.
func (q QuoteSet) Require(p Priority) (Fee, error) {
	f, ok := q[p]
	if !ok {
		return Fee{}, fmt.Errorf("%w %v", ErrMissingQuote, p)
	}

	return f, nil
}

// Priorities returns the priorities present in the set, fastest first.
func (q QuoteSet) Priorities() []Priority {
	priorities := make([]Priority, 0, len(q))
	for p := range q {
		priorities = append(priorities, p)
	}

	sort.Slice(priorities, func(i, j int) bool {
		return priorities[i] < priorities[j]
	})

	return priorities
}
