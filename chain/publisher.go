// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
)

var (
	// ErrTxAlreadyKnown is returned when the backend already has the
	// transaction in its mempool.
	ErrTxAlreadyKnown = errors.New("transaction already in mempool")

	// ErrTxAlreadyConfirmed is returned when the transaction is already
	// part of the chain.
	ErrTxAlreadyConfirmed = errors.New("transaction already confirmed")

	// ErrTxRejected is returned when the backend refuses the
	// transaction.
	ErrTxRejected = errors.New("transaction rejected")

	// errAlreadyBroadcasted is a sentinel error used to indicate that a tx
	// has already been broadcasted.
	errAlreadyBroadcasted = errors.New("tx already broadcasted")
)

// alreadyKnownReasons are the reject reasons bitcoind reports for a
// transaction it already holds.
var alreadyKnownReasons = []string{
	"txn-already-in-mempool",
	"txn-already-known",
}

// alreadyConfirmedReasons are the reject reasons bitcoind reports for a
// transaction that is already mined.
var alreadyConfirmedReasons = []string{
	"transaction already in block chain",
	"transaction outputs already in utxo set",
}

// mapRejectReason maps a backend reject reason or error to one of the
// sentinel errors of this package.
func mapRejectReason(reason string) error {
	lower := strings.ToLower(reason)

	for _, r := range alreadyKnownReasons {
		if strings.Contains(lower, r) {
			return fmt.Errorf("%w: %s", ErrTxAlreadyKnown, reason)
		}
	}

	for _, r := range alreadyConfirmedReasons {
		if strings.Contains(lower, r) {
			return fmt.Errorf("%w: %s", ErrTxAlreadyConfirmed, reason)
		}
	}

	return fmt.Errorf("%w: %s", ErrTxRejected, reason)
}

// Publisher broadcasts transactions through the backend.
type Publisher struct {
	client RPCClient
}

// NewPublisher returns a publisher using client.
func NewPublisher(client RPCClient) *Publisher {
	return &Publisher{client: client}
}

// CheckMempoolAcceptance checks if a transaction would be accepted by the
// mempool without broadcasting.
func (p *Publisher) CheckMempoolAcceptance(ctx context.Context,
	tx *wire.MsgTx) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	// Use a max feerate of 0 means the default value will be used when
	// testing mempool acceptance. The default max feerate is 0.10 BTC/kvb,
	// or 10,000 sat/vb.
	results, err := p.client.TestMempoolAccept([]*wire.MsgTx{tx}, 0)
	if err != nil {
		return err
	}

	// Sanity check that the expected single result is returned.
	if len(results) != 1 {
		return fmt.Errorf("expected 1 result from TestMempoolAccept, "+
			"instead got %v", len(results))
	}

	if results[0].Allowed {
		return nil
	}

	return mapRejectReason(results[0].RejectReason)
}

// Broadcast publishes tx. A transaction the backend already knows about is
// treated as published.
func (p *Publisher) Broadcast(ctx context.Context, tx *wire.MsgTx,
	label string) error {

	txid := tx.TxHash()

	err := p.checkMempool(ctx, tx)
	if errors.Is(err, errAlreadyBroadcasted) {
		return nil
	}
	if err != nil {
		p.logRejected(tx, err)
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	_, err = p.client.SendRawTransaction(tx, false)
	if err != nil {
		mapped := mapRejectReason(err.Error())
		if errors.Is(mapped, ErrTxAlreadyKnown) ||
			errors.Is(mapped, ErrTxAlreadyConfirmed) {

			log.Infof("%v: tx already published", txid)
			return nil
		}

		p.logRejected(tx, err)

		return fmt.Errorf("send raw transaction: %w", mapped)
	}

	log.Infof("Published tx %v (label=%q)", txid, label)

	return nil
}

// checkMempool is a helper function that checks if a tx is acceptable to the
// mempool before broadcasting.
func (p *Publisher) checkMempool(ctx context.Context, tx *wire.MsgTx) error {
	err := p.CheckMempoolAcceptance(ctx, tx)

	switch {
	// If the tx is already in the mempool or confirmed, we can return
	// early.
	case errors.Is(err, ErrTxAlreadyKnown),
		errors.Is(err, ErrTxAlreadyConfirmed):

		log.Infof("Tx %v already broadcasted", tx.TxHash())

		return errAlreadyBroadcasted

	// If the backend does not support the mempool acceptance test, we'll
	// just attempt to publish the tx.
	case errors.Is(err, rpcclient.ErrBackendVersion):
		log.Warnf("Backend does not support mempool acceptance test, "+
			"broadcasting directly: %v", err)

		return nil

	// If the tx was rejected for any other reason, we'll return the error
	// directly.
	case err != nil:
		return fmt.Errorf("tx rejected by mempool: %w", err)

	// Otherwise, the tx is valid and we can publish it.
	default:
		return nil
	}
}

// logRejected logs a rejected transaction, dumping it at debug level when it
// is small enough.
func (p *Publisher) logRejected(tx *wire.MsgTx, err error) {
	log.Errorf("%v: broadcast failed: %v", tx.TxHash(), err)

	var txRaw bytes.Buffer
	_ = tx.Serialize(&txRaw)

	const maxTxSizeForLog = 1_000_000
	if txRaw.Len() < maxTxSizeForLog {
		log.Debugf("Rejected tx: %v \n hex=%x",
			newLogClosure(func() string {
				return spew.Sdump(tx)
			}), txRaw.Bytes())
	}
}
