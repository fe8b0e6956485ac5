// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spend

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrPsbtMismatch is returned when two PSBTs that should describe the
	// same unsigned transaction do not.
	ErrPsbtMismatch = errors.New("psbt describes a different transaction")

	// ErrNilPsbt is returned when a nil PSBT or packet is supplied.
	ErrNilPsbt = errors.New("nil psbt")

	// ErrInvalidSignature is returned when a partial signature does not
	// verify against the witness sighash of its input.
	ErrInvalidSignature = errors.New("invalid partial signature")
)

// Psbt is a partially signed transaction together with the send amount and
// absolute fee it was built for.
type Psbt struct {
	// Packet is the BIP-174 packet.
	Packet *psbt.Packet

	// Amount is the value paid to the recipient, excluding the fee. For a
	// SendAll request it is the drained balance minus the fee.
	Amount btcutil.Amount

	// Fee is the absolute fee paid by the transaction.
	Fee btcutil.Amount
}

// Total returns the amount plus the fee, the value leaving the wallet
// towards the recipient and miners.
func (p *Psbt) Total() btcutil.Amount {
	return p.Amount + p.Fee
}

// TxHash returns the hash of the unsigned transaction.
func (p *Psbt) TxHash() chainhash.Hash {
	return p.Packet.UnsignedTx.TxHash()
}

// Clone returns a deep copy of the PSBT through its BIP-174 serialization,
// so that signing the copy never touches the original.
func (p *Psbt) Clone() (*Psbt, error) {
	if p == nil || p.Packet == nil {
		return nil, ErrNilPsbt
	}

	packet, err := clonePacket(p.Packet)
	if err != nil {
		return nil, err
	}

	return &Psbt{Packet: packet, Amount: p.Amount, Fee: p.Fee}, nil
}

// WithPacket returns a copy of p carrying a different packet for the same
// transaction.
func (p *Psbt) WithPacket(packet *psbt.Packet) *Psbt {
	return &Psbt{Packet: packet, Amount: p.Amount, Fee: p.Fee}
}

// MinSignatures returns the smallest number of partial signatures found on
// any input. A finalized input counts as fully signed and is skipped.
func (p *Psbt) MinSignatures() int {
	minSigs := -1
	for _, in := range p.Packet.Inputs {
		if len(in.FinalScriptWitness) > 0 {
			continue
		}

		if minSigs == -1 || len(in.PartialSigs) < minSigs {
			minSigs = len(in.PartialSigs)
		}
	}

	if minSigs == -1 {
		return 0
	}

	return minSigs
}

// SignedBy reports whether every input carries a partial signature from the
// given compressed public key.
func (p *Psbt) SignedBy(pubKey []byte) bool {
	if len(p.Packet.Inputs) == 0 {
		return false
	}

	for _, in := range p.Packet.Inputs {
		found := false
		for _, sig := range in.PartialSigs {
			if bytes.Equal(sig.PubKey, pubKey) {
				found = true
				break
			}
		}

		if !found {
			return false
		}
	}

	return true
}

// Finalize finalizes every input of a fully signed PSBT and extracts the
// network transaction. The PSBT is not modified.
func (p *Psbt) Finalize() (*wire.MsgTx, error) {
	clone, err := p.Clone()
	if err != nil {
		return nil, err
	}

	if err := psbt.MaybeFinalizeAll(clone.Packet); err != nil {
		return nil, fmt.Errorf("finalize psbt: %w", err)
	}

	tx, err := psbt.Extract(clone.Packet)
	if err != nil {
		return nil, fmt.Errorf("extract tx: %w", err)
	}

	return tx, nil
}

// B64 returns the base64 encoding of the packet.
func (p *Psbt) B64() (string, error) {
	return p.Packet.B64Encode()
}

// String returns a short description used in logs.
func (p *Psbt) String() string {
	return fmt.Sprintf("psbt(txid=%v, amount=%v, fee=%v)", p.TxHash(),
		p.Amount, p.Fee)
}

// VerifySignatures checks every partial signature of every input against
// the input's P2WSH witness sighash. Each signature must commit with
// SIGHASH_ALL.
func (p *Psbt) VerifySignatures() error {
	tx := p.Packet.UnsignedTx
	if len(p.Packet.Inputs) != len(tx.TxIn) {
		return fmt.Errorf("%w: %d inputs, %d psbt inputs",
			ErrPsbtMismatch, len(tx.TxIn), len(p.Packet.Inputs))
	}

	sigHashes := txscript.NewTxSigHashes(tx, PrevOutputFetcher(p.Packet))

	for idx, in := range p.Packet.Inputs {
		if len(in.PartialSigs) == 0 {
			continue
		}

		if in.WitnessUtxo == nil || len(in.WitnessScript) == 0 {
			return fmt.Errorf("%w: input %d lacks witness data",
				ErrInvalidSignature, idx)
		}

		hash, err := txscript.CalcWitnessSigHash(
			in.WitnessScript, sigHashes, txscript.SigHashAll, tx,
			idx, in.WitnessUtxo.Value,
		)
		if err != nil {
			return fmt.Errorf("sighash of input %d: %w", idx, err)
		}

		for _, ps := range in.PartialSigs {
			err := verifyPartialSig(ps, hash)
			if err != nil {
				return fmt.Errorf("%w: input %d key %x: %v",
					ErrInvalidSignature, idx, ps.PubKey, err)
			}
		}
	}

	return nil
}

// verifyPartialSig checks a DER signature with a trailing sighash byte
// against hash.
func verifyPartialSig(ps *psbt.PartialSig, hash []byte) error {
	n := len(ps.Signature)
	if n == 0 {
		return errors.New("empty signature")
	}

	if txscript.SigHashType(ps.Signature[n-1]) != txscript.SigHashAll {
		return fmt.Errorf("sighash type %x", ps.Signature[n-1])
	}

	sig, err := ecdsa.ParseDERSignature(ps.Signature[:n-1])
	if err != nil {
		return err
	}

	pubKey, err := btcec.ParsePubKey(ps.PubKey)
	if err != nil {
		return err
	}

	if !sig.Verify(hash, pubKey) {
		return errors.New("signature mismatch")
	}

	return nil
}

// PrevOutputFetcher returns a txscript.PrevOutputFetcher built from the UTXO
// information in a PSBT packet.
func PrevOutputFetcher(packet *psbt.Packet) *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for idx, txIn := range packet.UnsignedTx.TxIn {
		if idx >= len(packet.Inputs) {
			break
		}
		in := packet.Inputs[idx]

		switch {
		case in.WitnessUtxo != nil:
			fetcher.AddPrevOut(txIn.PreviousOutPoint, in.WitnessUtxo)

		case in.NonWitnessUtxo != nil:
			prevIndex := txIn.PreviousOutPoint.Index
			if int(prevIndex) >= len(in.NonWitnessUtxo.TxOut) {
				continue
			}

			fetcher.AddPrevOut(
				txIn.PreviousOutPoint,
				in.NonWitnessUtxo.TxOut[prevIndex],
			)
		}
	}

	return fetcher
}

// Combine merges the partial signatures of two packets describing the same
// unsigned transaction into a new packet. Neither argument is modified.
// Signatures are de-duplicated by public key and kept sorted, which makes
// the operation commutative and idempotent.
func Combine(a, b *psbt.Packet) (*psbt.Packet, error) {
	if a == nil || b == nil {
		return nil, ErrNilPsbt
	}

	if a.UnsignedTx.TxHash() != b.UnsignedTx.TxHash() ||
		len(a.Inputs) != len(b.Inputs) {

		return nil, fmt.Errorf("%w: %v != %v", ErrPsbtMismatch,
			a.UnsignedTx.TxHash(), b.UnsignedTx.TxHash())
	}

	combined, err := clonePacket(a)
	if err != nil {
		return nil, err
	}

	for i := range combined.Inputs {
		in := &combined.Inputs[i]
		other := b.Inputs[i]

		for _, sig := range other.PartialSigs {
			if hasPartialSig(in.PartialSigs, sig.PubKey) {
				continue
			}

			in.PartialSigs = append(in.PartialSigs, &psbt.PartialSig{
				PubKey:    append([]byte(nil), sig.PubKey...),
				Signature: append([]byte(nil), sig.Signature...),
			})
		}

		sigs := in.PartialSigs
		sort.Slice(sigs, func(x, y int) bool {
			return bytes.Compare(sigs[x].PubKey, sigs[y].PubKey) < 0
		})

		// Carry over the spend information when only the other side
		// has it so the result can still be finalized.
		if in.WitnessUtxo == nil && other.WitnessUtxo != nil {
			in.WitnessUtxo = other.WitnessUtxo
		}
		if len(in.WitnessScript) == 0 && len(other.WitnessScript) > 0 {
			in.WitnessScript = other.WitnessScript
		}
	}

	return combined, nil
}

// hasPartialSig reports whether sigs contains a signature for pubKey.
func hasPartialSig(sigs []*psbt.PartialSig, pubKey []byte) bool {
	for _, sig := range sigs {
		if bytes.Equal(sig.PubKey, pubKey) {
			return true
		}
	}

	return false
}

// clonePacket deep copies a packet by serializing and parsing it.
func clonePacket(packet *psbt.Packet) (*psbt.Packet, error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize psbt: %w", err)
	}

	clone, err := psbt.NewFromRawBytes(&buf, false)
	if err != nil {
		return nil, fmt.Errorf("parse psbt: %w", err)
	}

	return clone, nil
}
