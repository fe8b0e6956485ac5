// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Utxo is an unspent output reported by the backend.
type Utxo struct {
	OutPoint      wire.OutPoint
	Value         btcutil.Amount
	PkScript      []byte
	Confirmations int64
}

// UtxoSource lists unspent outputs with listunspent. The backend's wallet
// must watch the queried address, for example through an imported
// addr() descriptor.
type UtxoSource struct {
	client RPCClient
}

// NewUtxoSource returns a source using client.
func NewUtxoSource(client RPCClient) *UtxoSource {
	return &UtxoSource{client: client}
}

// ListUnspent returns the unspent outputs paying to addr, unconfirmed ones
// included.
func (s *UtxoSource) ListUnspent(ctx context.Context,
	addr btcutil.Address) ([]Utxo, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	results, err := s.client.ListUnspentMinMaxAddresses(
		0, math.MaxInt32, []btcutil.Address{addr},
	)
	if err != nil {
		return nil, fmt.Errorf("listunspent: %w", err)
	}

	utxos := make([]Utxo, 0, len(results))
	for _, r := range results {
		hash, err := chainhash.NewHashFromStr(r.TxID)
		if err != nil {
			return nil, fmt.Errorf("utxo txid %q: %w", r.TxID, err)
		}

		pkScript, err := hex.DecodeString(r.ScriptPubKey)
		if err != nil {
			return nil, fmt.Errorf("utxo %v:%d script: %w", hash,
				r.Vout, err)
		}

		value, err := btcutil.NewAmount(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("utxo %v:%d amount: %w", hash,
				r.Vout, err)
		}

		utxos = append(utxos, Utxo{
			OutPoint:      *wire.NewOutPoint(hash, r.Vout),
			Value:         value,
			PkScript:      pkScript,
			Confirmations: r.Confirmations,
		})
	}

	log.Debugf("Listed %d unspent outputs for %v", len(utxos), addr)

	return utxos, nil
}
