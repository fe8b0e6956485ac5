// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

const (
	// NumKeys is the number of keys in the multisig account: the app key,
	// the hardware key and the remote service key.
	NumKeys = 3

	// RequiredSigs is the number of signatures needed to spend.
	RequiredSigs = 2
)

var (
	// ErrInvalidKeySet is returned when the keys cannot form a 2-of-3
	// account.
	ErrInvalidKeySet = errors.New("invalid multisig key set")
)

// MultisigAccount is a 2-of-3 P2WSH account. The public keys are sorted
// before the witness script is built so that every signer derives the same
// script and address from the same three keys.
type MultisigAccount struct {
	pubKeys       [][]byte
	witnessScript []byte
	address       *btcutil.AddressWitnessScriptHash
	pkScript      []byte
}

// NewMultisigAccount builds the account for three distinct public keys.
func NewMultisigAccount(pubKeys []*btcec.PublicKey,
	params *chaincfg.Params) (*MultisigAccount, error) {

	if len(pubKeys) != NumKeys {
		return nil, fmt.Errorf("%w: got %d keys, want %d",
			ErrInvalidKeySet, len(pubKeys), NumKeys)
	}

	serialized := make([][]byte, 0, NumKeys)
	for _, key := range pubKeys {
		if key == nil {
			return nil, fmt.Errorf("%w: nil key", ErrInvalidKeySet)
		}

		serialized = append(serialized, key.SerializeCompressed())
	}

	sort.Slice(serialized, func(i, j int) bool {
		return bytes.Compare(serialized[i], serialized[j]) < 0
	})

	addrPubKeys := make([]*btcutil.AddressPubKey, 0, NumKeys)
	for i, key := range serialized {
		if i > 0 && bytes.Equal(key, serialized[i-1]) {
			return nil, fmt.Errorf("%w: duplicate key %x",
				ErrInvalidKeySet, key)
		}

		addrPubKey, err := btcutil.NewAddressPubKey(key, params)
		if err != nil {
			return nil, err
		}
		addrPubKeys = append(addrPubKeys, addrPubKey)
	}

	witnessScript, err := txscript.MultiSigScript(
		addrPubKeys, RequiredSigs,
	)
	if err != nil {
		return nil, fmt.Errorf("build multisig script: %w", err)
	}

	address, err := btcutil.NewAddressWitnessScriptHash(
		chainhash.HashB(witnessScript), params,
	)
	if err != nil {
		return nil, err
	}

	pkScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return nil, err
	}

	return &MultisigAccount{
		pubKeys:       serialized,
		witnessScript: witnessScript,
		address:       address,
		pkScript:      pkScript,
	}, nil
}

// Address returns the P2WSH receive address of the account.
func (a *MultisigAccount) Address() btcutil.Address {
	return a.address
}

// WitnessScript returns the 2-of-3 multisig witness script.
func (a *MultisigAccount) WitnessScript() []byte {
	return a.witnessScript
}

// PkScript returns the output script paying to the account.
func (a *MultisigAccount) PkScript() []byte {
	return a.pkScript
}

// HasKey reports whether the compressed public key is one of the account's
// keys.
func (a *MultisigAccount) HasKey(pubKey []byte) bool {
	for _, key := range a.pubKeys {
		if bytes.Equal(key, pubKey) {
			return true
		}
	}

	return false
}
