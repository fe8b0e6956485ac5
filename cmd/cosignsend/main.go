// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// cosignsend sends bitcoin from a 2-of-3 multisig account on a btcd or
// bitcoind backend. The app key signs every fee tier up front. The second
// signature comes from an emulated co-signing service while the transfer
// is within the daily limit, and from an emulated hardware device, which
// the user approves on the terminal, otherwise.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/cosign/broadcast"
	"github.com/btcsuite/cosign/chain"
	"github.com/btcsuite/cosign/fee"
	"github.com/btcsuite/cosign/pkg/btcunit"
	"github.com/btcsuite/cosign/policy"
	"github.com/btcsuite/cosign/psbtbuild"
	"github.com/btcsuite/cosign/signer"
	"github.com/btcsuite/cosign/store"
	"github.com/btcsuite/cosign/transfer"
	"github.com/btcsuite/cosign/wallet"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// shutdownTimeout bounds how long the components get to stop.
const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	err = initLogRotator(cfg.logFile)
	if err != nil {
		return err
	}
	defer logRotator.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	account, err := wallet.NewMultisigAccount([]*btcec.PublicKey{
		cfg.appKey.PubKey(), cfg.deviceKey.PubKey(),
		cfg.serviceKey.PubKey(),
	}, cfg.params)
	if err != nil {
		return err
	}

	rpcClient, err := chain.NewRPCClient(chain.RPCConfig{
		Host:         cfg.RPCConnect,
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPass,
		DisableTLS:   cfg.NoTLS,
		Certificates: cfg.rpcCert,
	})
	if err != nil {
		return fmt.Errorf("unable to create rpc client: %w", err)
	}
	defer rpcClient.Shutdown()

	w, err := wallet.New(wallet.Config{
		Account:     account,
		AppKey:      cfg.appKey,
		Utxos:       chain.NewUtxoSource(rpcClient),
		ChainParams: cfg.params,
		MinConfs:    cfg.MinConfs,
	})
	if err != nil {
		return err
	}

	err = w.Resync(ctx)
	if err != nil {
		return fmt.Errorf("unable to sync wallet: %w", err)
	}

	log.Infof("Account %v has %v spendable", w.Address(), w.Balance())

	err = os.MkdirAll(filepath.Dir(cfg.dbPath), 0700)
	if err != nil {
		return err
	}

	db, err := store.Open(ctx, cfg.dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	selected, err := initialPriority(ctx, cfg, db)
	if err != nil {
		return err
	}

	quoter, err := fee.NewQuoter(fee.QuoterConfig{
		Rates: chain.NewFeeEstimator(
			rpcClient, fn.Some(btcunit.NewSatPerVByte(1)),
		),
		Sizes: w,
	})
	if err != nil {
		return err
	}

	quotes, err := quoter.Quote(ctx, cfg.recipient, cfg.amount)
	if err != nil {
		return fmt.Errorf("unable to quote fees: %w", err)
	}

	monitor, err := policy.NewMonitor(policy.MonitorConfig{
		Source: policy.StaticSource{Signal: staticSignal(cfg)},
	})
	if err != nil {
		return err
	}

	err = monitor.Start(ctx)
	if err != nil {
		return err
	}
	defer monitor.Stop()

	builder, err := psbtbuild.NewBuilder(psbtbuild.Config{
		Wallet:    w,
		AppPubKey: w.AppPubKey(),
	})
	if err != nil {
		return err
	}

	deviceSigner, err := wallet.NewKeySigner(cfg.deviceKey, account)
	if err != nil {
		return err
	}
	serviceSigner, err := wallet.NewKeySigner(cfg.serviceKey, account)
	if err != nil {
		return err
	}

	device := newEmulatedDevice(deviceSigner)
	cosigner, err := signer.NewCoordinator(signer.Config{
		Remote: &emulatedService{
			signer: serviceSigner,
			fail:   cfg.ServiceFail,
		},
		Hardware:  device,
		Account:   account,
		AppPubKey: w.AppPubKey(),
	})
	if err != nil {
		return err
	}

	publisher, err := broadcast.NewCoordinator(broadcast.Config{
		Broadcaster: chain.NewPublisher(rpcClient),
		Resyncer:    w,
		Preferences: db,
		Receipts:    db,
	})
	if err != nil {
		return err
	}
	defer publisher.Stop()

	ctrl, err := transfer.New(transfer.Config{
		Builder:   builder,
		Signer:    cosigner,
		Publisher: publisher,
		Signals:   monitor,
		Recipient: cfg.recipient,
		Amount:    cfg.amount,
		Quotes:    quotes,
		Selected:  selected,
	})
	if err != nil {
		return err
	}

	err = ctrl.Start(ctx)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := ctrl.Stop(stopCtx); err != nil {
			log.Errorf("Unable to stop controller: %v", err)
		}
	}()

	return interact(ctx, ctrl, device)
}

// initialPriority returns the priority the flow starts with: the one on the
// command line, the stored preference, or standard.
func initialPriority(ctx context.Context, cfg *config,
	db *store.Store) (fee.Priority, error) {

	if cfg.priority != nil {
		return *cfg.priority, nil
	}

	preferred, err := db.PreferredPriority(ctx)
	if err != nil {
		return 0, err
	}

	return preferred.UnwrapOr(fee.PriorityStandard), nil
}

// staticSignal returns the co-signing signal configured on the command
// line.
func staticSignal(cfg *config) policy.Signal {
	signal := policy.Signal{
		RemoteAvailable: !cfg.ServiceOffline,
	}

	if cfg.DailyLimit > 0 {
		signal.Limit = fn.Some(policy.SpendingLimit{
			Daily:      btcutil.Amount(cfg.DailyLimit),
			SpentToday: btcutil.Amount(cfg.SpentToday),
		})
	}

	return signal
}
