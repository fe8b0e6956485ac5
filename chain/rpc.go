// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain adapts a bitcoind-compatible JSON-RPC backend to the
// transfer engine: publishing transactions, estimating fee rates and listing
// the wallet's unspent outputs.
package chain

import (
	"errors"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/cosign/broadcast"
	"github.com/btcsuite/cosign/fee"
)

var (
	// ErrMissingHost is returned when no RPC host is configured.
	ErrMissingHost = errors.New("missing rpc host")
)

// RPCClient is the subset of the btcd rpcclient used by this package.
type RPCClient interface {
	// TestMempoolAccept checks whether the transactions would be accepted
	// by the mempool.
	TestMempoolAccept(txns []*wire.MsgTx,
		maxFeeRate float64) ([]*btcjson.TestMempoolAcceptResult, error)

	// SendRawTransaction submits a transaction to the backend.
	SendRawTransaction(tx *wire.MsgTx,
		allowHighFees bool) (*chainhash.Hash, error)

	// EstimateSmartFee estimates the fee rate for a confirmation target.
	EstimateSmartFee(confTarget int64,
		mode *btcjson.EstimateSmartFeeMode) (
		*btcjson.EstimateSmartFeeResult, error)

	// ListUnspentMinMaxAddresses lists the unspent outputs paying to
	// addrs.
	ListUnspentMinMaxAddresses(minConf, maxConf int,
		addrs []btcutil.Address) ([]btcjson.ListUnspentResult, error)
}

// Compile time checks to ensure the adapters satisfy the interfaces they are
// wired into.
var (
	_ RPCClient             = (*rpcclient.Client)(nil)
	_ broadcast.Broadcaster = (*Publisher)(nil)
	_ fee.RateEstimator     = (*FeeEstimator)(nil)
)

// RPCConfig describes how to reach the backend.
type RPCConfig struct {
	Host string
	User string
	Pass string

	// DisableTLS connects over plain HTTP, which is only acceptable for
	// local regtest nodes.
	DisableTLS bool

	// Certificates are the PEM encoded TLS certificates of the backend.
	Certificates []byte
}

// NewRPCClient connects an HTTP POST mode client to the backend.
func NewRPCClient(cfg RPCConfig) (*rpcclient.Client, error) {
	if cfg.Host == "" {
		return nil, ErrMissingHost
	}

	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
		Certificates: cfg.Certificates,
	}

	return rpcclient.New(connCfg, nil)
}
