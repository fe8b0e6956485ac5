// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/cosign/chain"
	"github.com/btcsuite/cosign/spend"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testParams = &chaincfg.RegressionNetParams

// mockUtxoSource is a mock implementation of the UtxoSource interface.
type mockUtxoSource struct {
	mock.Mock
}

// ListUnspent implements the UtxoSource interface.
func (m *mockUtxoSource) ListUnspent(ctx context.Context,
	addr btcutil.Address) ([]chain.Utxo, error) {

	args := m.Called(ctx, addr)
	utxos, _ := args.Get(0).([]chain.Utxo)

	return utxos, args.Error(1)
}

// testKeys returns the app, device and service keys.
func testKeys() [NumKeys]*btcec.PrivateKey {
	var keys [NumKeys]*btcec.PrivateKey
	for i := range keys {
		seed := make([]byte, 32)
		seed[31] = byte(i + 1)
		keys[i], _ = btcec.PrivKeyFromBytes(seed)
	}

	return keys
}

func newTestAccount(t *testing.T,
	keys [NumKeys]*btcec.PrivateKey) *MultisigAccount {

	t.Helper()

	account, err := NewMultisigAccount([]*btcec.PublicKey{
		keys[0].PubKey(), keys[1].PubKey(), keys[2].PubKey(),
	}, testParams)
	require.NoError(t, err)

	return account
}

// newTestUtxos returns one confirmed account output per value.
func newTestUtxos(account *MultisigAccount,
	values ...btcutil.Amount) []chain.Utxo {

	utxos := make([]chain.Utxo, 0, len(values))
	for i, v := range values {
		utxos = append(utxos, chain.Utxo{
			OutPoint: wire.OutPoint{
				Hash:  chainhash.Hash{byte(i + 1)},
				Index: uint32(i),
			},
			Value:         v,
			PkScript:      account.PkScript(),
			Confirmations: 6,
		})
	}

	return utxos
}

type testHarness struct {
	keys    [NumKeys]*btcec.PrivateKey
	account *MultisigAccount
	source  *mockUtxoSource
	wallet  *Wallet
}

// newTestHarness returns a wallet synced to a coin of every value.
func newTestHarness(t *testing.T, values ...btcutil.Amount) *testHarness {
	t.Helper()

	keys := testKeys()
	account := newTestAccount(t, keys)
	source := &mockUtxoSource{}

	w, err := New(Config{
		Account:     account,
		AppKey:      keys[0],
		Utxos:       source,
		ChainParams: testParams,
		MinConfs:    1,
	})
	require.NoError(t, err)

	source.On("ListUnspent", mock.Anything, account.Address()).Return(
		newTestUtxos(account, values...), nil,
	).Once()
	require.NoError(t, w.Resync(context.Background()))

	return &testHarness{
		keys:    keys,
		account: account,
		source:  source,
		wallet:  w,
	}
}

func newTestRecipient(t *testing.T) spend.Recipient {
	t.Helper()

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		make([]byte, 20), testParams,
	)
	require.NoError(t, err)

	return spend.NewRecipient(addr)
}

// verifyTx runs every input of tx through the script engine.
func verifyTx(t *testing.T, tx *wire.MsgTx, fetcher txscript.PrevOutputFetcher) {
	t.Helper()

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		prev := fetcher.FetchPrevOutput(in.PreviousOutPoint)
		require.NotNil(t, prev)

		vm, err := txscript.NewEngine(
			prev.PkScript, tx, i, txscript.StandardVerifyFlags, nil,
			sigHashes, prev.Value, fetcher,
		)
		require.NoError(t, err)
		require.NoError(t, vm.Execute(), "input %d", i)
	}
}

// TestNewMultisigAccount checks the key set validation and that the
// address does not depend on the order of the keys.
func TestNewMultisigAccount(t *testing.T) {
	t.Parallel()

	keys := testKeys()
	a := newTestAccount(t, keys)

	b, err := NewMultisigAccount([]*btcec.PublicKey{
		keys[2].PubKey(), keys[0].PubKey(), keys[1].PubKey(),
	}, testParams)
	require.NoError(t, err)
	require.Equal(t, a.Address().EncodeAddress(),
		b.Address().EncodeAddress())
	require.Equal(t, a.WitnessScript(), b.WitnessScript())

	for _, key := range keys {
		require.True(t, a.HasKey(key.PubKey().SerializeCompressed()))
	}

	testCases := []struct {
		name string
		keys []*btcec.PublicKey
	}{
		{"two keys", []*btcec.PublicKey{
			keys[0].PubKey(), keys[1].PubKey(),
		}},
		{"duplicate key", []*btcec.PublicKey{
			keys[0].PubKey(), keys[1].PubKey(), keys[0].PubKey(),
		}},
		{"nil key", []*btcec.PublicKey{
			keys[0].PubKey(), nil, keys[1].PubKey(),
		}},
	}
	for _, tc := range testCases {
		_, err := NewMultisigAccount(tc.keys, testParams)
		require.ErrorIs(t, err, ErrInvalidKeySet, tc.name)
	}
}

// TestCreateSignedPsbtTwoOfThree checks that an app-signed PSBT completed
// by a second key finalizes into a valid transaction.
func TestCreateSignedPsbtTwoOfThree(t *testing.T) {
	t.Parallel()

	// Arrange: a wallet with one coin of 100,000 sats.
	h := newTestHarness(t, 100_000)
	ctx := context.Background()
	recipient := newTestRecipient(t)

	// Act: the app signs, then the device adds its signature.
	p, err := h.wallet.CreateSignedPsbt(
		ctx, recipient, spend.Exact{Value: 50_000}, 1_000,
	)
	require.NoError(t, err)

	require.Equal(t, 1, p.MinSignatures())
	require.True(t, p.SignedBy(h.wallet.AppPubKey()))
	require.Equal(t, btcutil.Amount(50_000), p.Amount)
	require.Equal(t, btcutil.Amount(1_000), p.Fee)

	txFee, err := p.Packet.GetTxFee()
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(1_000), txFee)

	device, err := NewKeySigner(h.keys[1], h.account)
	require.NoError(t, err)

	deviceSigned, err := device.SignPsbt(ctx, p.Packet)
	require.NoError(t, err)
	require.Equal(t, 1, p.MinSignatures(), "input packet unchanged")

	combined, err := spend.Combine(p.Packet, deviceSigned)
	require.NoError(t, err)
	full := p.WithPacket(combined)
	require.Equal(t, RequiredSigs, full.MinSignatures())

	tx, err := full.Finalize()

	// Assert: the transaction pays the recipient and the change and
	// passes the script engine.
	require.NoError(t, err)
	require.Len(t, tx.TxOut, 2)

	recipientScript, err := recipient.PkScript()
	require.NoError(t, err)

	var paid, change int64
	for _, out := range tx.TxOut {
		switch {
		case string(out.PkScript) == string(recipientScript):
			paid += out.Value
		case string(out.PkScript) == string(h.account.PkScript()):
			change += out.Value
		}
	}
	require.Equal(t, int64(50_000), paid)
	require.Equal(t, int64(49_000), change)

	verifyTx(t, tx, spend.PrevOutputFetcher(p.Packet))
}

// TestCreateSignedPsbtSendAll checks that a send-all drains every coin and
// pays the fee from the balance.
func TestCreateSignedPsbtSendAll(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 10_000, 15_000)
	recipient := newTestRecipient(t)

	p, err := h.wallet.CreateSignedPsbt(
		context.Background(), recipient, spend.SendAll{}, 600,
	)
	require.NoError(t, err)

	require.Equal(t, btcutil.Amount(24_400), p.Amount)
	require.Equal(t, btcutil.Amount(600), p.Fee)
	require.Len(t, p.Packet.UnsignedTx.TxIn, 2)
	require.Len(t, p.Packet.UnsignedTx.TxOut, 1)
	require.Equal(t, h.wallet.Balance(), p.Total())
}

// TestCreateSignedPsbtDustChange checks that change below the dust limit is
// added to the fee.
func TestCreateSignedPsbtDustChange(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 51_100)

	p, err := h.wallet.CreateSignedPsbt(
		context.Background(), newTestRecipient(t),
		spend.Exact{Value: 50_000}, 1_000,
	)
	require.NoError(t, err)

	require.Len(t, p.Packet.UnsignedTx.TxOut, 1)
	require.Equal(t, btcutil.Amount(1_100), p.Fee)

	txFee, err := p.Packet.GetTxFee()
	require.NoError(t, err)
	require.Equal(t, p.Fee, txFee)
}

// TestCreateSignedPsbtErrors checks the wallet's rejections.
func TestCreateSignedPsbtErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		amount spend.Amount
		fee    btcutil.Amount
		err    error
	}{{
		name:   "insufficient for amount plus fee",
		amount: spend.Exact{Value: 24_500},
		fee:    600,
		err:    spend.ErrInsufficientFunds,
	}, {
		name:   "send all cannot pay fee",
		amount: spend.SendAll{},
		fee:    25_000,
		err:    spend.ErrInsufficientFunds,
	}, {
		name:   "fee below relay fee",
		amount: spend.Exact{Value: 10_000},
		fee:    10,
		err:    ErrFeeTooLow,
	}, {
		name:   "negative fee",
		amount: spend.Exact{Value: 10_000},
		fee:    -1,
		err:    ErrInvalidFee,
	}, {
		name:   "dust amount",
		amount: spend.Exact{Value: 100},
		fee:    600,
		err:    spend.ErrDustAmount,
	}}

	h := newTestHarness(t, 25_000)

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := h.wallet.CreateSignedPsbt(
				context.Background(), newTestRecipient(t),
				tc.amount, tc.fee,
			)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

// TestCreateSignedPsbtDeterministic checks that the same request yields the
// same unsigned transaction.
func TestCreateSignedPsbtDeterministic(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 30_000, 20_000, 5_000)
	recipient := newTestRecipient(t)

	a, err := h.wallet.CreateSignedPsbt(
		context.Background(), recipient, spend.Exact{Value: 40_000}, 800,
	)
	require.NoError(t, err)

	b, err := h.wallet.CreateSignedPsbt(
		context.Background(), recipient, spend.Exact{Value: 40_000}, 800,
	)
	require.NoError(t, err)

	require.Equal(t, a.TxHash(), b.TxHash())
	require.Len(t, a.Packet.UnsignedTx.TxIn, 2, "largest coins first")
}

// TestWalletSyncState checks that an unsynced wallet refuses to spend and
// that a failed resync keeps the previous coins.
func TestWalletSyncState(t *testing.T) {
	t.Parallel()

	keys := testKeys()
	account := newTestAccount(t, keys)
	source := &mockUtxoSource{}
	t.Cleanup(func() { source.AssertExpectations(t) })

	w, err := New(Config{
		Account:     account,
		AppKey:      keys[0],
		Utxos:       source,
		ChainParams: testParams,
		MinConfs:    1,
	})
	require.NoError(t, err)

	_, err = w.CreateSignedPsbt(
		context.Background(), newTestRecipient(t),
		spend.Exact{Value: 10_000}, 600,
	)
	require.ErrorIs(t, err, ErrStateForbidden)

	// A first resync that fails leaves the wallet unsynced.
	errBackend := errors.New("backend down")
	source.On("ListUnspent", mock.Anything, mock.Anything).Return(
		nil, errBackend,
	).Once()
	require.ErrorIs(t, w.Resync(context.Background()), errBackend)
	require.Equal(t, syncStateUnsynced, w.state.syncState())

	// Foreign and unconfirmed outputs are skipped.
	utxos := newTestUtxos(account, 10_000, 20_000, 30_000)
	utxos[1].PkScript = []byte{0x51}
	utxos[2].Confirmations = 0
	source.On("ListUnspent", mock.Anything, mock.Anything).Return(
		utxos, nil,
	).Once()
	require.NoError(t, w.Resync(context.Background()))
	require.Equal(t, btcutil.Amount(10_000), w.Balance())

	// A later failure keeps the coins.
	source.On("ListUnspent", mock.Anything, mock.Anything).Return(
		nil, errBackend,
	).Once()
	require.Error(t, w.Resync(context.Background()))
	require.Equal(t, syncStateSynced, w.state.syncState())
	require.Equal(t, btcutil.Amount(10_000), w.Balance())
}

// TestCreateSignedPsbtDuringResync checks that a background resync does not
// block transfers built from the previous coin set.
func TestCreateSignedPsbtDuringResync(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 100_000)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	h.source.On("ListUnspent", mock.Anything, h.account.Address()).Run(
		func(mock.Arguments) {
			close(started)
			<-release
		},
	).Return(newTestUtxos(h.account, 100_000, 40_000), nil).Once()

	errChan := make(chan error, 1)
	go func() {
		errChan <- h.wallet.Resync(ctx)
	}()
	<-started
	require.Equal(t, syncStateSyncing, h.wallet.state.syncState())

	p, err := h.wallet.CreateSignedPsbt(
		ctx, newTestRecipient(t), spend.Exact{Value: 50_000}, 1_000,
	)
	require.NoError(t, err)
	require.Len(t, p.Packet.Inputs, 1)

	close(release)
	require.NoError(t, <-errChan)
	require.Equal(t, btcutil.Amount(140_000), h.wallet.Balance())
}

func TestWalletStateTransitions(t *testing.T) {
	t.Parallel()

	var s walletState
	require.ErrorIs(t, s.validateSynced(), ErrStateForbidden)

	require.NoError(t, s.toSyncing())
	require.ErrorIs(t, s.toSyncing(), ErrStateForbidden)
	require.ErrorIs(t, s.validateSynced(), ErrStateForbidden)

	s.toSynced()
	require.NoError(t, s.validateSynced())
	require.Equal(t, "sync=synced", s.String())

	// A resync after the first one keeps the wallet usable.
	require.NoError(t, s.toSyncing())
	require.NoError(t, s.validateSynced())

	s.toSyncFailed()
	require.NoError(t, s.validateSynced())
	require.Equal(t, "sync=synced", s.String())
}

// TestEstimateVSize checks that the estimate grows with the inputs the
// transfer needs.
func TestEstimateVSize(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 30_000, 20_000)
	ctx := context.Background()
	recipient := newTestRecipient(t)

	one, err := h.wallet.EstimateVSize(
		ctx, recipient, spend.Exact{Value: 10_000},
	)
	require.NoError(t, err)

	two, err := h.wallet.EstimateVSize(
		ctx, recipient, spend.Exact{Value: 40_000},
	)
	require.NoError(t, err)
	require.Greater(t, two.Val(), one.Val())

	all, err := h.wallet.EstimateVSize(ctx, recipient, spend.SendAll{})
	require.NoError(t, err)
	require.Less(t, all.Val(), two.Val(), "send all has no change")

	_, err = h.wallet.EstimateVSize(
		ctx, recipient, spend.Exact{Value: 60_000},
	)
	require.ErrorIs(t, err, spend.ErrInsufficientFunds)

	// The estimate covers the signed transaction.
	p, err := h.wallet.CreateSignedPsbt(
		ctx, recipient, spend.Exact{Value: 10_000}, 1_000,
	)
	require.NoError(t, err)

	device, err := NewKeySigner(h.keys[2], h.account)
	require.NoError(t, err)
	signed, err := device.SignPsbt(ctx, p.Packet)
	require.NoError(t, err)
	combined, err := spend.Combine(p.Packet, signed)
	require.NoError(t, err)

	tx, err := p.WithPacket(combined).Finalize()
	require.NoError(t, err)

	actual := (blockchainWeight(tx) + 3) / 4
	require.GreaterOrEqual(t, one.Val(), actual)
}

// blockchainWeight returns the weight of tx.
func blockchainWeight(tx *wire.MsgTx) uint64 {
	return uint64(tx.SerializeSizeStripped()*3 + tx.SerializeSize())
}

func TestIsMine(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	require.True(t, h.wallet.IsMine(h.wallet.Address()))
	require.False(t, h.wallet.IsMine(newTestRecipient(t).Address()))
}

// TestKeySigner checks the signer's rejections.
func TestKeySigner(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 100_000)
	ctx := context.Background()

	outsider, _ := btcec.NewPrivateKey()
	_, err := NewKeySigner(outsider, h.account)
	require.ErrorIs(t, err, ErrKeyNotInAccount)

	p, err := h.wallet.CreateSignedPsbt(
		ctx, newTestRecipient(t), spend.Exact{Value: 50_000}, 1_000,
	)
	require.NoError(t, err)

	// The app key cannot sign twice.
	app, err := NewKeySigner(h.keys[0], h.account)
	require.NoError(t, err)
	_, err = app.SignPsbt(ctx, p.Packet)
	require.ErrorIs(t, err, ErrAlreadySigned)

	// Inputs of another account are refused.
	other, err := NewMultisigAccount([]*btcec.PublicKey{
		h.keys[1].PubKey(), h.keys[2].PubKey(), outsider.PubKey(),
	}, testParams)
	require.NoError(t, err)
	foreign, err := NewKeySigner(h.keys[1], other)
	require.NoError(t, err)
	_, err = foreign.SignPsbt(ctx, p.Packet)
	require.ErrorIs(t, err, ErrForeignInput)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	device, err := NewKeySigner(h.keys[1], h.account)
	require.NoError(t, err)
	_, err = device.SignPsbt(cancelled, p.Packet)
	require.ErrorIs(t, err, context.Canceled)
}
