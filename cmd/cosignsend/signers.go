// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/cosign/signer"
	"github.com/btcsuite/cosign/wallet"
)

// errServiceUnavailable is returned by the emulated service when it is
// configured to fail.
var errServiceUnavailable = errors.New("co-signing service unavailable")

// emulatedService co-signs with the service key held locally.
type emulatedService struct {
	signer *wallet.KeySigner
	fail   bool
}

// A compile time check to ensure emulatedService implements
// signer.RemoteCosigner.
var _ signer.RemoteCosigner = (*emulatedService)(nil)

// SignPsbtWithServer signs every input with the service key.
func (s *emulatedService) SignPsbtWithServer(ctx context.Context,
	packet *psbt.Packet) (*psbt.Packet, error) {

	if s.fail {
		return nil, errServiceUnavailable
	}

	return s.signer.SignPsbt(ctx, packet)
}

// emulatedDevice signs with the device key once the user approves on the
// terminal.
type emulatedDevice struct {
	signer *wallet.KeySigner

	// approvals carries the user's answer to the pending prompt.
	approvals chan bool
}

// A compile time check to ensure emulatedDevice implements
// signer.HardwareSigner.
var _ signer.HardwareSigner = (*emulatedDevice)(nil)

func newEmulatedDevice(s *wallet.KeySigner) *emulatedDevice {
	return &emulatedDevice{
		signer:    s,
		approvals: make(chan bool),
	}
}

// SignPsbt waits for the user's answer. A rejection, or ctx being done,
// cancels the interaction.
func (d *emulatedDevice) SignPsbt(ctx context.Context,
	packet *psbt.Packet) (*psbt.Packet, error) {

	fmt.Printf("Device: sign %d input(s) of %v? [approve/reject]\n",
		len(packet.Inputs), packet.UnsignedTx.TxHash())

	select {
	case ok := <-d.approvals:
		if !ok {
			return nil, signer.ErrHardwareCancelled
		}

	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", signer.ErrHardwareCancelled,
			ctx.Err())
	}

	return d.signer.SignPsbt(ctx, packet)
}

// answer hands the user's answer to a pending prompt. It reports false when
// no prompt is waiting.
func (d *emulatedDevice) answer(ok bool) bool {
	select {
	case d.approvals <- ok:
		return true
	default:
		return false
	}
}
