// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/cosign/chain"
	"github.com/davecgh/go-spew/spew"
)

// UtxoSource lists the unspent outputs paying to an address.
type UtxoSource interface {
	// ListUnspent returns the unspent outputs paying to addr, including
	// unconfirmed ones.
	ListUnspent(ctx context.Context, addr btcutil.Address) ([]chain.Utxo,
		error)
}

// A compile time check to ensure the RPC source can back a wallet.
var _ UtxoSource = (*chain.UtxoSource)(nil)

// Resync replaces the wallet's coin set with the account's current unspent
// outputs. A failed resync keeps the previous set.
func (w *Wallet) Resync(ctx context.Context) error {
	if err := w.state.toSyncing(); err != nil {
		return err
	}

	utxos, err := w.cfg.Utxos.ListUnspent(ctx, w.cfg.Account.Address())
	if err != nil {
		w.state.toSyncFailed()
		return fmt.Errorf("list unspent: %w", err)
	}

	coins := make([]Coin, 0, len(utxos))
	for _, utxo := range utxos {
		if !bytes.Equal(utxo.PkScript, w.cfg.Account.PkScript()) {
			log.Warnf("Ignoring utxo %v with foreign script %x",
				utxo.OutPoint, utxo.PkScript)

			continue
		}

		if utxo.Confirmations < w.cfg.MinConfs {
			continue
		}

		coins = append(coins, Coin{
			TxOut: wire.TxOut{
				Value:    int64(utxo.Value),
				PkScript: utxo.PkScript,
			},
			OutPoint: utxo.OutPoint,
		})
	}

	w.mu.Lock()
	w.coins = coins
	w.mu.Unlock()

	w.state.toSynced()

	log.Infof("Resynced wallet: %d spendable coins, balance %v",
		len(coins), sumCoins(coins))
	log.Debugf("Spendable coins: %v", newLogClosure(func() string {
		return spew.Sdump(coins)
	}))

	return nil
}
