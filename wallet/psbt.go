// Copyright (c) 2020 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/cosign/spend"
)

var (
	// ErrForeignInput is returned when a PSBT input does not spend from
	// the signer's multisig account.
	ErrForeignInput = errors.New("input does not belong to the account")

	// ErrAlreadySigned is returned when a key is asked to sign a PSBT
	// that already carries its signature.
	ErrAlreadySigned = errors.New("psbt already signed by this key")

	// ErrKeyNotInAccount is returned when a signer is built for a key
	// that is not part of the account.
	ErrKeyNotInAccount = errors.New("key is not part of the account")
)

// addInputInfoMultisig adds the witness UTXO, witness script and sighash
// type of a P2WSH multisig input. Offline signers need all three to produce
// a segwit v0 signature.
func addInputInfoMultisig(u *psbt.Updater, idx int, utxo *wire.TxOut,
	witnessScript []byte) error {

	err := u.AddInWitnessUtxo(&wire.TxOut{
		Value:    utxo.Value,
		PkScript: utxo.PkScript,
	}, idx)
	if err != nil {
		return err
	}

	err = u.AddInWitnessScript(witnessScript, idx)
	if err != nil {
		return err
	}

	return u.AddInSighashType(txscript.SigHashAll, idx)
}

// KeySigner holds one of the three account keys and signs every input of a
// PSBT spending from the account with it.
type KeySigner struct {
	key     *btcec.PrivateKey
	account *MultisigAccount
}

// NewKeySigner returns a signer for key, which must belong to the account.
func NewKeySigner(key *btcec.PrivateKey,
	account *MultisigAccount) (*KeySigner, error) {

	if key == nil || !account.HasKey(key.PubKey().SerializeCompressed()) {
		return nil, ErrKeyNotInAccount
	}

	return &KeySigner{key: key, account: account}, nil
}

// PubKey returns the signer's compressed public key.
func (s *KeySigner) PubKey() []byte {
	return s.key.PubKey().SerializeCompressed()
}

// SignPsbt returns a copy of packet carrying this key's signature on every
// input. The packet itself is left untouched.
func (s *KeySigner) SignPsbt(ctx context.Context,
	packet *psbt.Packet) (*psbt.Packet, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	clone, err := clonePacket(packet)
	if err != nil {
		return nil, err
	}

	if err := s.signInPlace(clone); err != nil {
		return nil, err
	}

	return clone, nil
}

// signInPlace adds this key's signature to every input of packet.
func (s *KeySigner) signInPlace(packet *psbt.Packet) error {
	tx := packet.UnsignedTx
	sigHashes := txscript.NewTxSigHashes(
		tx, spend.PrevOutputFetcher(packet),
	)

	updater, err := psbt.NewUpdater(packet)
	if err != nil {
		return err
	}

	pubKey := s.PubKey()
	for idx := range tx.TxIn {
		in := packet.Inputs[idx]

		if in.WitnessUtxo == nil ||
			!bytes.Equal(in.WitnessUtxo.PkScript, s.account.PkScript()) ||
			!bytes.Equal(in.WitnessScript, s.account.WitnessScript()) {

			return fmt.Errorf("%w: input %d", ErrForeignInput, idx)
		}

		sig, err := txscript.RawTxInWitnessSignature(
			tx, sigHashes, idx, in.WitnessUtxo.Value,
			in.WitnessScript, txscript.SigHashAll, s.key,
		)
		if err != nil {
			return fmt.Errorf("sign input %d: %w", idx, err)
		}

		outcome, err := updater.Sign(idx, sig, pubKey, nil, nil)
		if errors.Is(err, psbt.ErrDuplicateKey) {
			return fmt.Errorf("%w: input %d", ErrAlreadySigned, idx)
		}
		if err != nil {
			return fmt.Errorf("add signature to input %d: %w", idx,
				err)
		}

		if outcome != psbt.SignSuccesful {
			return fmt.Errorf("add signature to input %d: "+
				"outcome %v", idx, outcome)
		}
	}

	return nil
}

// clonePacket deep copies a packet by serializing and parsing it.
func clonePacket(packet *psbt.Packet) (*psbt.Packet, error) {
	p, err := (&spend.Psbt{Packet: packet}).Clone()
	if err != nil {
		return nil, err
	}

	return p.Packet, nil
}
