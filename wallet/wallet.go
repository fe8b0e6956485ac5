// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet provides the local spending wallet of a 2-of-3 multisig
// account. It selects coins, builds PSBTs paying an absolute fee, adds the
// app key's signature and keeps its UTXO set in sync with a chain backend.
package wallet

import (
	"bytes"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/cosign/broadcast"
	"github.com/btcsuite/cosign/fee"
	"github.com/btcsuite/cosign/psbtbuild"
)

var (
	// ErrMissingConfig is returned when a required config field is unset.
	ErrMissingConfig = errors.New("missing wallet config")
)

// A compile time check to ensure that Wallet implements the interfaces it
// is wired into.
var (
	_ psbtbuild.SpendingWallet = (*Wallet)(nil)
	_ broadcast.Resyncer       = (*Wallet)(nil)
	_ fee.SizeEstimator        = (*Wallet)(nil)
)

// Config holds the dependencies of a Wallet.
type Config struct {
	// Account is the 2-of-3 account the wallet spends from.
	Account *MultisigAccount

	// AppKey is the app's private key, one of the account's keys.
	AppKey *btcec.PrivateKey

	// Utxos lists the account's unspent outputs on resync.
	Utxos UtxoSource

	// ChainParams are the parameters of the network the wallet is on.
	ChainParams *chaincfg.Params

	// MinConfs is the number of confirmations a coin needs before it is
	// spent. Zero allows spending unconfirmed coins, such as our own
	// change.
	MinConfs int64
}

// Wallet is the local spending wallet.
type Wallet struct {
	cfg Config

	appSigner *KeySigner

	state walletState

	mu    sync.RWMutex
	coins []Coin
}

// New creates a wallet. The wallet must be resynced before it can create
// transactions.
func New(cfg Config) (*Wallet, error) {
	if cfg.Account == nil || cfg.AppKey == nil || cfg.Utxos == nil ||
		cfg.ChainParams == nil {

		return nil, ErrMissingConfig
	}

	appSigner, err := NewKeySigner(cfg.AppKey, cfg.Account)
	if err != nil {
		return nil, err
	}

	return &Wallet{
		cfg:       cfg,
		appSigner: appSigner,
	}, nil
}

// Address returns the account's receive address.
func (w *Wallet) Address() btcutil.Address {
	return w.cfg.Account.Address()
}

// AppPubKey returns the compressed public key of the app key.
func (w *Wallet) AppPubKey() []byte {
	return w.appSigner.PubKey()
}

// IsMine reports whether addr pays to the wallet's account.
func (w *Wallet) IsMine(addr btcutil.Address) bool {
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return false
	}

	return bytes.Equal(pkScript, w.cfg.Account.PkScript())
}

// Balance returns the value of all spendable coins.
func (w *Wallet) Balance() btcutil.Amount {
	return sumCoins(w.spendableCoins())
}

// spendableCoins returns a copy of the current coin set.
func (w *Wallet) spendableCoins() []Coin {
	w.mu.RLock()
	defer w.mu.RUnlock()

	coins := make([]Coin, len(w.coins))
	copy(coins, w.coins)

	return coins
}
