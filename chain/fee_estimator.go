// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/cosign/pkg/btcunit"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrNoFeeEstimate is returned when the backend has no estimate for
	// a target and no fallback rate is configured.
	ErrNoFeeEstimate = errors.New("no fee estimate available")
)

// FeeEstimator prices confirmation targets with estimatesmartfee.
type FeeEstimator struct {
	client   RPCClient
	mode     btcjson.EstimateSmartFeeMode
	fallback fn.Option[btcunit.SatPerVByte]
}

// NewFeeEstimator returns an estimator using conservative estimates. When
// the backend has too little data, as on a fresh regtest chain, fallback is
// used if set.
func NewFeeEstimator(client RPCClient,
	fallback fn.Option[btcunit.SatPerVByte]) *FeeEstimator {

	return &FeeEstimator{
		client:   client,
		mode:     btcjson.EstimateModeConservative,
		fallback: fallback,
	}
}

// EstimateFeeRate returns the rate expected to confirm within targetBlocks.
func (e *FeeEstimator) EstimateFeeRate(ctx context.Context,
	targetBlocks uint32) (btcunit.SatPerVByte, error) {

	if err := ctx.Err(); err != nil {
		return btcunit.ZeroSatPerVByte, err
	}

	mode := e.mode
	result, err := e.client.EstimateSmartFee(int64(targetBlocks), &mode)
	if err != nil {
		return btcunit.ZeroSatPerVByte, fmt.Errorf("estimatesmartfee: "+
			"%w", err)
	}

	if result.FeeRate == nil {
		reason := strings.Join(result.Errors, "; ")

		if e.fallback.IsSome() {
			rate := e.fallback.UnwrapOr(btcunit.ZeroSatPerVByte)
			log.Debugf("No estimate for target %d (%s), using "+
				"fallback %v", targetBlocks, reason, rate)

			return rate, nil
		}

		return btcunit.ZeroSatPerVByte, fmt.Errorf("%w: target %d: %s",
			ErrNoFeeEstimate, targetBlocks, reason)
	}

	return btcunit.SatPerVByteFromBTCPerKVByte(*result.FeeRate)
}
