// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package signer applies the second signature of a 2-of-3 spend, either
// through the remote co-signing service or through the hardware device.
//
// The two paths fail differently. A remote failure never changes any state
// so the caller may fall back to the hardware device with the same app
// signed PSBT. A hardware interaction may be cancelled by the user, which is
// not an error, while any other hardware failure ends the attempt.
package signer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/cosign/policy"
	"github.com/btcsuite/cosign/spend"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// requiredSigs is the number of signatures a fully signed input carries.
const requiredSigs = 2

var (
	// ErrNotAppSigned is returned when the PSBT handed to the coordinator
	// does not carry the app signature on every input. The app always
	// signs first.
	ErrNotAppSigned = errors.New("psbt is not signed by the app key")

	// ErrDuplicateAttempt is returned when an attempt id is presented a
	// second time. Each confirm action issues at most one signing
	// request.
	ErrDuplicateAttempt = errors.New("signing attempt already made")

	// ErrRemoteSigningFailed is returned when the remote co-signer could
	// not sign. The attempt can be retried with the hardware device.
	ErrRemoteSigningFailed = errors.New("remote co-signing failed")

	// ErrHardwareCancelled is returned when the user cancels the hardware
	// interaction. Hardware signers return it, possibly wrapped, to report
	// a cancellation.
	ErrHardwareCancelled = errors.New("hardware signing cancelled")

	// ErrHardwareFailed is returned for any hardware failure other than a
	// cancellation.
	ErrHardwareFailed = errors.New("hardware signing failed")

	// ErrUnknownFactor is returned for a factor the coordinator cannot
	// sign with.
	ErrUnknownFactor = errors.New("unknown signing factor")

	// ErrMissingConfig is returned when a coordinator is created without
	// one of its signers or the app key.
	ErrMissingConfig = errors.New("missing signer config")

	// ErrForeignSignature is returned when a signer hands back a
	// signature from a key outside the multisig account.
	ErrForeignSignature = errors.New("signature from a key outside the " +
		"account")

	// errNoNewSignature is returned when a signer hands back a PSBT
	// without a signature of its own.
	errNoNewSignature = errors.New("signer added no signature")
)

// Account is the multisig account the spent inputs belong to.
type Account interface {
	// HasKey reports whether the compressed public key is one of the
	// account's keys.
	HasKey(pubKey []byte) bool
}

// RemoteCosigner is the remote co-signing service.
type RemoteCosigner interface {
	// SignPsbtWithServer asks the service to add its signature. The
	// service keeps no state when it fails.
	SignPsbtWithServer(ctx context.Context,
		packet *psbt.Packet) (*psbt.Packet, error)
}

// HardwareSigner is the hardware device. Signing blocks until the user has
// completed or cancelled the interaction.
type HardwareSigner interface {
	// SignPsbt asks the device to add its signature. It returns
	// ErrHardwareCancelled, or ctx's error, when the user cancels.
	SignPsbt(ctx context.Context, packet *psbt.Packet) (*psbt.Packet, error)
}

// Request is one second-signature attempt.
type Request struct {
	// Attempt identifies the confirm action that triggered the request.
	// Each id is served once.
	Attempt uint64

	// Psbt is the app-signed PSBT of the selected tier.
	Psbt *spend.Psbt

	// Factor selects the second signer.
	Factor policy.Factor
}

// Config holds the dependencies of a Coordinator.
type Config struct {
	Remote   RemoteCosigner
	Hardware HardwareSigner

	// Account holds the keys whose signatures are accepted.
	Account Account

	// AppPubKey is the compressed public key of the app key.
	AppPubKey []byte
}

// Coordinator drives the second signature.
type Coordinator struct {
	cfg Config

	mu       sync.Mutex
	attempts fn.Set[uint64]
}

// NewCoordinator returns a coordinator for cfg.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Remote == nil || cfg.Hardware == nil || cfg.Account == nil ||
		len(cfg.AppPubKey) == 0 {

		return nil, ErrMissingConfig
	}

	return &Coordinator{
		cfg:      cfg,
		attempts: fn.NewSet[uint64](),
	}, nil
}

// ApplySecondSignature sends the app-signed PSBT to the signer chosen by
// the request's factor and returns a new PSBT carrying both signatures.
// The request's PSBT is never modified. Exactly one outbound request is
// made per attempt id, and failures are never retried.
func (c *Coordinator) ApplySecondSignature(ctx context.Context,
	req Request) (*spend.Psbt, error) {

	if req.Psbt == nil || req.Psbt.Packet == nil {
		return nil, spend.ErrNilPsbt
	}

	if !req.Psbt.SignedBy(c.cfg.AppPubKey) {
		return nil, ErrNotAppSigned
	}

	// Hand the signer a copy so that whatever it does to the packet, the
	// app-signed original stays usable for a fallback or retry.
	request, err := req.Psbt.Clone()
	if err != nil {
		return nil, err
	}

	if err := c.claim(req.Attempt); err != nil {
		return nil, err
	}

	log.Infof("Requesting %v signature for attempt %d on %v", req.Factor,
		req.Attempt, req.Psbt)

	switch req.Factor {
	case policy.FactorRemoteService:
		combined, err := c.signWith(
			ctx, c.cfg.Remote.SignPsbtWithServer, req.Psbt, request,
		)
		if err == nil {
			return combined, nil
		}

		log.Warnf("Remote co-signing failed for attempt %d: %v",
			req.Attempt, err)

		return nil, fmt.Errorf("%w: %w", ErrRemoteSigningFailed, err)

	case policy.FactorHardware:
		combined, err := c.signWith(
			ctx, c.cfg.Hardware.SignPsbt, req.Psbt, request,
		)
		if err == nil {
			return combined, nil
		}

		if errors.Is(err, ErrHardwareCancelled) || ctx.Err() != nil {
			log.Infof("Hardware signing cancelled for attempt %d",
				req.Attempt)

			return nil, fmt.Errorf("%w: %w", ErrHardwareCancelled,
				err)
		}

		log.Warnf("Hardware signing failed for attempt %d: %v",
			req.Attempt, err)

		return nil, fmt.Errorf("%w: %w", ErrHardwareFailed, err)

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownFactor, req.Factor)
	}
}

// claim records attempt as served.
func (c *Coordinator) claim(attempt uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.attempts.Contains(attempt) {
		return fmt.Errorf("%w: %d", ErrDuplicateAttempt, attempt)
	}
	c.attempts.Add(attempt)

	return nil
}

// signWith sends request to sign and merges the result into appSigned.
func (c *Coordinator) signWith(ctx context.Context,
	sign func(context.Context, *psbt.Packet) (*psbt.Packet, error),
	appSigned, request *spend.Psbt) (*spend.Psbt, error) {

	signed, err := sign(ctx, request.Packet)
	if err != nil {
		return nil, err
	}

	return c.merge(appSigned, signed)
}

// merge combines the signer's result with the app-signed PSBT. The result
// must describe the same transaction, and every input must carry a valid
// signature from an account key other than the app key.
func (c *Coordinator) merge(appSigned *spend.Psbt,
	signed *psbt.Packet) (*spend.Psbt, error) {

	packet, err := spend.Combine(appSigned.Packet, signed)
	if err != nil {
		return nil, err
	}

	combined := appSigned.WithPacket(packet)
	if combined.MinSignatures() < requiredSigs {
		return nil, fmt.Errorf("%w: %v", errNoNewSignature, combined)
	}

	if err := c.checkCosigners(combined); err != nil {
		return nil, err
	}

	if err := combined.VerifySignatures(); err != nil {
		return nil, err
	}

	log.Debugf("Second signature applied to %v", combined)

	return combined, nil
}

// checkCosigners ensures every partial signature is from an account key and
// that each input is signed by a key besides the app key.
func (c *Coordinator) checkCosigners(p *spend.Psbt) error {
	for idx, in := range p.Packet.Inputs {
		cosigned := false
		for _, sig := range in.PartialSigs {
			if !c.cfg.Account.HasKey(sig.PubKey) {
				return fmt.Errorf("%w: input %d key %x",
					ErrForeignSignature, idx, sig.PubKey)
			}

			if !bytes.Equal(sig.PubKey, c.cfg.AppPubKey) {
				cosigned = true
			}
		}

		if !cosigned {
			return fmt.Errorf("%w: input %d", errNoNewSignature, idx)
		}
	}

	return nil
}
