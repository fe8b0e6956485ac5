// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package fee

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/cosign/pkg/btcunit"
	"github.com/btcsuite/cosign/spend"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoEstimates is returned when none of the priorities could be
	// priced.
	ErrNoEstimates = errors.New("no fee estimates available")

	// ErrMissingEstimator is returned when a quoter is built without a
	// rate or size estimator.
	ErrMissingEstimator = errors.New("missing estimator")

	// DefaultMinRate is the floor applied to every estimated rate. It
	// matches the default minimum relay fee.
	DefaultMinRate = btcunit.NewSatPerVByte(1)
)

// RateEstimator prices a confirmation target.
type RateEstimator interface {
	// EstimateFeeRate returns the fee rate expected to confirm a
	// transaction within targetBlocks blocks.
	EstimateFeeRate(ctx context.Context,
		targetBlocks uint32) (btcunit.SatPerVByte, error)
}

// SizeEstimator sizes the transaction a transfer would produce.
type SizeEstimator interface {
	// EstimateVSize returns the virtual size of the transaction paying
	// amount to recipient.
	EstimateVSize(ctx context.Context, recipient spend.Recipient,
		amount spend.Amount) (btcunit.VByte, error)
}

// QuoterConfig holds the dependencies of a Quoter.
type QuoterConfig struct {
	// Rates prices each priority's confirmation target.
	Rates RateEstimator

	// Sizes sizes the transfer's transaction.
	Sizes SizeEstimator

	// MinRate is the lowest rate a quote may carry. Zero means
	// DefaultMinRate.
	MinRate btcunit.SatPerVByte
}

// Quoter turns per-target rate estimates into a QuoteSet of absolute fees.
type Quoter struct {
	cfg QuoterConfig
}

// NewQuoter returns a Quoter for the given config.
func NewQuoter(cfg QuoterConfig) (*Quoter, error) {
	if cfg.Rates == nil || cfg.Sizes == nil {
		return nil, ErrMissingEstimator
	}

	if cfg.MinRate.IsZero() {
		cfg.MinRate = DefaultMinRate
	}

	return &Quoter{cfg: cfg}, nil
}

// Quote prices every priority for a transfer of amount to recipient. A
// priority whose rate cannot be estimated is left out of the set. Rates are
// clamped so that a slower priority never pays more than a faster one.
func (q *Quoter) Quote(ctx context.Context, recipient spend.Recipient,
	amount spend.Amount) (QuoteSet, error) {

	size, err := q.cfg.Sizes.EstimateVSize(ctx, recipient, amount)
	if err != nil {
		return nil, fmt.Errorf("estimate size: %w", err)
	}

	var (
		mu    sync.Mutex
		rates = make(map[Priority]btcunit.SatPerVByte)
		g, _  = errgroup.WithContext(ctx)
	)

	for _, p := range All() {
		g.Go(func() error {
			rate, err := q.cfg.Rates.EstimateFeeRate(
				ctx, p.TargetBlocks(),
			)
			if err != nil {
				log.Warnf("Unable to estimate %v fee rate "+
					"(target=%d): %v", p, p.TargetBlocks(),
					err)

				return nil
			}

			mu.Lock()
			rates[p] = rate
			mu.Unlock()

			return nil
		})
	}

	// The tasks never fail, a missing rate only drops its priority.
	_ = g.Wait()

	if len(rates) == 0 {
		return nil, ErrNoEstimates
	}

	quotes := make(QuoteSet, len(rates))

	var ceiling *btcunit.SatPerVByte
	for _, p := range All() {
		rate, ok := rates[p]
		if !ok {
			continue
		}

		if rate.LessThan(q.cfg.MinRate) {
			rate = q.cfg.MinRate
		}

		if ceiling != nil && ceiling.LessThan(rate) {
			rate = *ceiling
		}
		ceiling = &rate

		quotes[p] = Fee{
			Rate:   rate,
			Amount: rate.FeeForVSize(size),
		}
	}

	log.Debugf("Quoted %d priorities for %v to %v at %v",
		len(quotes), amount, recipient, size)

	return quotes, nil
}
