// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package broadcast publishes fully signed transfers.
//
// Who is the broadcaster of record depends on the second signer. On the
// hardware path only the app and the device ever saw the transaction, so a
// failed publish fails the attempt. On the remote path the co-signing
// service publishes the transaction itself, so a failed local publish is
// not an error: the wallet is resynced in the background and the transfer
// is reported as initiated.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/cosign/fee"
	"github.com/btcsuite/cosign/policy"
	"github.com/btcsuite/cosign/spend"
)

// DefaultResyncTimeout bounds the background resync that follows a
// suppressed broadcast failure.
const DefaultResyncTimeout = 2 * time.Minute

var (
	// ErrBroadcastFailed is returned when a hardware signed transaction
	// could not be published, or when any transaction could not be
	// finalized.
	ErrBroadcastFailed = errors.New("broadcast failed")

	// ErrNotFinalizable is returned, wrapped in ErrBroadcastFailed, when
	// the PSBT does not finalize into a network transaction.
	ErrNotFinalizable = errors.New("psbt cannot be finalized")

	// ErrMissingConfig is returned when a coordinator is created without
	// a broadcaster, resyncer or preference store.
	ErrMissingConfig = errors.New("missing broadcast config")

	// ErrCoordinatorStopped is returned once the coordinator has been
	// stopped.
	ErrCoordinatorStopped = errors.New("broadcast coordinator stopped")
)

// Broadcaster publishes transactions to the network.
type Broadcaster interface {
	// Broadcast publishes tx. The label is informational.
	Broadcast(ctx context.Context, tx *wire.MsgTx, label string) error
}

// Resyncer refreshes the wallet's view of the chain.
type Resyncer interface {
	// Resync reloads the wallet's unspent outputs.
	Resync(ctx context.Context) error
}

// PreferenceStore records the user's standing fee tier preference.
type PreferenceStore interface {
	// PutPreferredPriority stores p as the preferred tier.
	PutPreferredPriority(ctx context.Context, p fee.Priority) error
}

// ReceiptStore keeps a record of initiated transfers.
type ReceiptStore interface {
	// PutReceipt stores r.
	PutReceipt(ctx context.Context, r Receipt) error
}

// Receipt describes an initiated transfer.
type Receipt struct {
	TxID     chainhash.Hash
	Priority fee.Priority
	Factor   policy.Factor
	Amount   btcutil.Amount
	Fee      btcutil.Amount

	// Published is false when the local publish failed on the remote
	// path and the co-signing service is relied on to publish.
	Published bool

	CreatedAt time.Time
}

// Total returns the amount plus the fee.
func (r Receipt) Total() btcutil.Amount {
	return r.Amount + r.Fee
}

// String returns a short description used in logs.
func (r Receipt) String() string {
	return fmt.Sprintf("receipt(txid=%v, priority=%v, factor=%v, "+
		"amount=%v, fee=%v, published=%v)", r.TxID, r.Priority,
		r.Factor, r.Amount, r.Fee, r.Published)
}

// Request is one broadcast attempt.
type Request struct {
	// Psbt is the 2-of-3 signed PSBT.
	Psbt *spend.Psbt

	// Priority is the tier the PSBT was built for.
	Priority fee.Priority

	// Factor is the second signer that signed the PSBT.
	Factor policy.Factor
}

// Config holds the dependencies of a Coordinator.
type Config struct {
	Broadcaster Broadcaster
	Resyncer    Resyncer
	Preferences PreferenceStore

	// Receipts is optional.
	Receipts ReceiptStore

	// ResyncTimeout bounds the background resync. DefaultResyncTimeout is
	// used when zero.
	ResyncTimeout time.Duration

	// Clock returns the current time. time.Now is used when nil.
	Clock func() time.Time
}

// Coordinator publishes signed transfers.
type Coordinator struct {
	cfg Config

	wg   sync.WaitGroup
	mu   sync.Mutex
	quit chan struct{}
	done bool
}

// NewCoordinator returns a coordinator for cfg.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Broadcaster == nil || cfg.Resyncer == nil ||
		cfg.Preferences == nil {

		return nil, ErrMissingConfig
	}

	if cfg.ResyncTimeout == 0 {
		cfg.ResyncTimeout = DefaultResyncTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Coordinator{
		cfg:  cfg,
		quit: make(chan struct{}),
	}, nil
}

// Stop cancels any background resync and waits for it to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.done {
		c.done = true
		close(c.quit)
	}
	c.mu.Unlock()

	c.wg.Wait()
}

// Broadcast finalizes and publishes the request's PSBT. On the remote path
// a publish failure is suppressed and the returned receipt has Published
// set to false. On the hardware path it is returned as ErrBroadcastFailed.
// A PSBT that does not finalize fails on both paths.
func (c *Coordinator) Broadcast(ctx context.Context,
	req Request) (*Receipt, error) {

	if req.Psbt == nil || req.Psbt.Packet == nil {
		return nil, spend.ErrNilPsbt
	}

	receipt := Receipt{
		TxID:      req.Psbt.TxHash(),
		Priority:  req.Priority,
		Factor:    req.Factor,
		Amount:    req.Psbt.Amount,
		Fee:       req.Psbt.Fee,
		Published: true,
		CreatedAt: c.cfg.Clock(),
	}

	// A packet that does not finalize fails on either path.
	tx, err := req.Psbt.Finalize()
	if err != nil {
		log.Errorf("Unable to finalize %v: %v", receipt.TxID, err)

		return nil, fmt.Errorf("%w: %w: %w", ErrBroadcastFailed,
			ErrNotFinalizable, err)
	}

	label := fmt.Sprintf("%v/%v", req.Priority, req.Factor)

	err = c.cfg.Broadcaster.Broadcast(ctx, tx, label)
	switch {
	case err == nil:

	case req.Factor == policy.FactorRemoteService:
		log.Warnf("Local broadcast of %v failed, relying on the "+
			"co-signing service to publish: %v", receipt.TxID, err)

		receipt.Published = false
		if err := c.resyncInBackground(); err != nil {
			log.Errorf("Unable to start resync: %v", err)
		}

	default:
		log.Errorf("Broadcast of %v failed: %v", receipt.TxID, err)

		return nil, fmt.Errorf("%w: %w", ErrBroadcastFailed, err)
	}

	if err := c.cfg.Preferences.PutPreferredPriority(
		ctx, req.Priority,
	); err != nil {
		log.Errorf("Unable to store preferred priority %v: %v",
			req.Priority, err)
	}

	if c.cfg.Receipts != nil {
		if err := c.cfg.Receipts.PutReceipt(ctx, receipt); err != nil {
			log.Errorf("Unable to store %v: %v", receipt, err)
		}
	}

	log.Infof("Transfer initiated: %v", receipt)

	return &receipt, nil
}

// resyncInBackground starts a wallet resync bounded by the configured
// timeout. The resync outlives the broadcast call but not the coordinator.
func (c *Coordinator) resyncInBackground() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return ErrCoordinatorStopped
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(
			context.Background(), c.cfg.ResyncTimeout,
		)
		defer cancel()

		go func() {
			select {
			case <-c.quit:
				cancel()
			case <-ctx.Done():
			}
		}()

		if err := c.cfg.Resyncer.Resync(ctx); err != nil {
			log.Errorf("Background resync failed: %v", err)
			return
		}

		log.Debugf("Background resync complete")
	}()

	return nil
}
