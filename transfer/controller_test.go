// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package transfer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/cosign/broadcast"
	"github.com/btcsuite/cosign/fee"
	"github.com/btcsuite/cosign/policy"
	"github.com/btcsuite/cosign/psbtbuild"
	"github.com/btcsuite/cosign/signer"
	"github.com/btcsuite/cosign/spend"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

type mockBuilder struct {
	mock.Mock
}

func (m *mockBuilder) Build(ctx context.Context,
	req psbtbuild.Request) (psbtbuild.SignedSet, error) {

	args := m.Called(ctx, req)
	set, _ := args.Get(0).(psbtbuild.SignedSet)

	return set, args.Error(1)
}

type mockSigner struct {
	mock.Mock
}

func (m *mockSigner) ApplySecondSignature(ctx context.Context,
	req signer.Request) (*spend.Psbt, error) {

	args := m.Called(ctx, req)
	p, _ := args.Get(0).(*spend.Psbt)

	return p, args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Broadcast(ctx context.Context,
	req broadcast.Request) (*broadcast.Receipt, error) {

	args := m.Called(ctx, req)
	r, _ := args.Get(0).(*broadcast.Receipt)

	return r, args.Error(1)
}

// feed is a SignalFeed whose changes are pushed by the test.
type feed struct {
	initial policy.Signal
	changes chan policy.Signal
}

func newFeed(initial policy.Signal) *feed {
	return &feed{
		initial: initial,
		changes: make(chan policy.Signal),
	}
}

func (f *feed) Current() policy.Signal {
	return f.initial
}

func (f *feed) Subscribe() (<-chan policy.Signal, func()) {
	return f.changes, func() {}
}

type testHarness struct {
	builder   *mockBuilder
	signer    *mockSigner
	publisher *mockPublisher
	feed      *feed
	set       psbtbuild.SignedSet
	ctrl      *Controller
}

// newTestHarness returns a started controller sending 20,000 sats at
// standard priority. Its builder returns the standard and slow tiers.
func newTestHarness(t *testing.T, signal policy.Signal) *testHarness {
	t.Helper()

	h := &testHarness{
		builder:   &mockBuilder{},
		signer:    &mockSigner{},
		publisher: &mockPublisher{},
		feed:      newFeed(signal),
		set:       newTestSet(t, 20_000),
	}

	h.builder.On("Build", mock.Anything, mock.MatchedBy(
		func(req psbtbuild.Request) bool {
			return req.Selected == fee.PriorityStandard
		},
	)).Return(h.set, nil).Once()

	ctrl, err := New(Config{
		Builder:   h.builder,
		Signer:    h.signer,
		Publisher: h.publisher,
		Signals:   h.feed,
		Recipient: newTestRecipient(t),
		Amount:    spend.Exact{Value: 20_000},
		Quotes:    testQuotes,
		Selected:  fee.PriorityStandard,
	})
	require.NoError(t, err)
	h.ctrl = ctrl

	require.NoError(t, ctrl.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), testTimeout,
		)
		defer cancel()

		require.NoError(t, ctrl.Stop(ctx))

		h.builder.AssertExpectations(t)
		h.signer.AssertExpectations(t)
		h.publisher.AssertExpectations(t)
	})

	return h
}

// waitForState waits until the controller's session is in a state of type
// T and returns it.
func waitForState[T State](t *testing.T, c *Controller) Session {
	t.Helper()

	require.Eventually(t, func() bool {
		_, ok := c.Snapshot().State.(T)
		return ok
	}, testTimeout, 5*time.Millisecond)

	return c.Snapshot()
}

// waitForDone waits until the controller's loop has exited.
func waitForDone(t *testing.T, c *Controller) {
	t.Helper()

	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatal("controller did not finish")
	}
}

func matchFactor(factor policy.Factor) interface{} {
	return mock.MatchedBy(func(req signer.Request) bool {
		return req.Factor == factor
	})
}

// TestControllerRemoteBroadcastFailure checks that a broadcast error on the
// remote path fails the attempt instead of initiating the transfer.
func TestControllerRemoteBroadcastFailure(t *testing.T) {
	t.Parallel()

	// Arrange: the service co-signs, then the broadcaster fails.
	h := newTestHarness(t, remoteSignal)
	ctx := context.Background()
	errRelay := errors.New("relay down")

	signed := newTestPsbt(t, 20_000, 600)
	h.signer.On("ApplySecondSignature", mock.Anything,
		matchFactor(policy.FactorRemoteService)).Return(signed, nil).Once()
	h.publisher.On("Broadcast", mock.Anything, broadcast.Request{
		Psbt:     signed,
		Priority: fee.PriorityStandard,
		Factor:   policy.FactorRemoteService,
	}).Return(nil, errRelay).Once()

	waitForState[ViewingConfirmation](t, h.ctrl)

	// Act.
	require.NoError(t, h.ctrl.Confirm(ctx))

	// Assert: the error is reported and no receipt is produced.
	s := waitForState[ErrorGeneric](t, h.ctrl)
	st := s.State.(ErrorGeneric)
	require.True(t, st.Retryable)
	require.ErrorIs(t, st.Err, errRelay)

	require.NoError(t, h.ctrl.Exit(ctx))
	waitForDone(t, h.ctrl)
	require.Equal(t, Exited{Reason: ExitAfterError},
		h.ctrl.Snapshot().State)
}

// TestControllerRemoteUnpublishedReceipt checks the receipt returned by a
// coordinator that leaves publishing to the service.
func TestControllerRemoteUnpublishedReceipt(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, remoteSignal)

	signed := newTestPsbt(t, 20_000, 600)
	receipt := &broadcast.Receipt{
		TxID:      signed.TxHash(),
		Priority:  fee.PriorityStandard,
		Factor:    policy.FactorRemoteService,
		Amount:    20_000,
		Fee:       600,
		Published: false,
	}
	h.signer.On("ApplySecondSignature", mock.Anything,
		mock.Anything).Return(signed, nil).Once()
	h.publisher.On("Broadcast", mock.Anything,
		mock.Anything).Return(receipt, nil).Once()

	waitForState[ViewingConfirmation](t, h.ctrl)
	require.NoError(t, h.ctrl.Confirm(context.Background()))
	waitForDone(t, h.ctrl)

	require.Equal(t, TransferInitiated{Receipt: *receipt},
		h.ctrl.Snapshot().State)
}

// TestControllerHardwareBroadcastFailure checks that a broadcast failure
// on the hardware path is reported and can be retried.
func TestControllerHardwareBroadcastFailure(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, offlineSignal)
	ctx := context.Background()

	signed := newTestPsbt(t, 20_000, 600)
	h.signer.On("ApplySecondSignature", mock.Anything,
		matchFactor(policy.FactorHardware)).Return(signed, nil).Once()
	h.publisher.On("Broadcast", mock.Anything, mock.Anything).Return(
		nil, fmt.Errorf("%w: rejected", broadcast.ErrBroadcastFailed),
	).Once()

	waitForState[ViewingConfirmation](t, h.ctrl)
	require.NoError(t, h.ctrl.Confirm(ctx))

	s := waitForState[ErrorGeneric](t, h.ctrl)
	st := s.State.(ErrorGeneric)
	require.True(t, st.Retryable)
	require.ErrorIs(t, st.Err, broadcast.ErrBroadcastFailed)

	// Retry returns to the same signed set.
	require.NoError(t, h.ctrl.Retry(ctx))
	s = h.ctrl.Snapshot()
	require.IsType(t, ViewingConfirmation{}, s.State)
	require.Equal(t, h.set, s.Signed)

	require.NoError(t, h.ctrl.Exit(ctx))
	waitForDone(t, h.ctrl)
	require.Equal(t, Exited{Reason: ExitCancelled},
		h.ctrl.Snapshot().State)
}

// TestControllerCancelHardware checks that cancelling the device returns to
// the confirmation view with the same signed set.
func TestControllerCancelHardware(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, offlineSignal)
	ctx := context.Background()

	// Arrange: the device blocks until its context is cancelled.
	h.signer.On("ApplySecondSignature", mock.Anything,
		matchFactor(policy.FactorHardware)).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(nil, signer.ErrHardwareCancelled).Once()

	before := waitForState[ViewingConfirmation](t, h.ctrl)
	require.NoError(t, h.ctrl.Confirm(ctx))
	waitForState[SigningWithHardware](t, h.ctrl)

	// Act.
	require.NoError(t, h.ctrl.CancelHardware(ctx))

	// Assert.
	after := waitForState[ViewingConfirmation](t, h.ctrl)
	require.Equal(t, before.Signed, after.Signed)
	require.Equal(t, before.Generation, after.Generation)
	require.Equal(t, uint64(1), after.Attempt)
}

// TestControllerSignalChange checks that a signal change while viewing
// decides the factor used at confirm.
func TestControllerSignalChange(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, remoteSignal)
	ctx := context.Background()

	signed := newTestPsbt(t, 20_000, 600)
	h.signer.On("ApplySecondSignature", mock.Anything,
		matchFactor(policy.FactorHardware)).Return(signed, nil).Once()
	h.publisher.On("Broadcast", mock.Anything, mock.MatchedBy(
		func(req broadcast.Request) bool {
			return req.Factor == policy.FactorHardware
		},
	)).Return(&broadcast.Receipt{Published: true}, nil).Once()

	waitForState[ViewingConfirmation](t, h.ctrl)

	// The service goes offline before the user confirms.
	select {
	case h.feed.changes <- offlineSignal:
	case <-time.After(testTimeout):
		t.Fatal("signal not consumed")
	}
	require.Eventually(t, func() bool {
		return !h.ctrl.Snapshot().Signal.RemoteAvailable
	}, testTimeout, 5*time.Millisecond)
	require.Equal(t, policy.FactorHardware,
		h.ctrl.Snapshot().FactorForSelected())

	require.NoError(t, h.ctrl.Confirm(ctx))
	waitForDone(t, h.ctrl)

	require.IsType(t, TransferInitiated{}, h.ctrl.Snapshot().State)
}

// TestControllerRejectsInvalidActions checks that rejected actions return
// the transition's error and leave the session unchanged.
func TestControllerRejectsInvalidActions(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, remoteSignal)
	ctx := context.Background()

	before := waitForState[ViewingConfirmation](t, h.ctrl)

	require.ErrorIs(t, h.ctrl.SelectPriority(ctx, fee.PriorityFastest),
		ErrPriorityUnavailable)
	require.ErrorIs(t, h.ctrl.Retry(ctx), ErrInvalidEvent)
	require.ErrorIs(t, h.ctrl.OpenSheet(ctx, SheetNone), ErrUnknownSheet)

	require.NoError(t, h.ctrl.OpenSheet(ctx, SheetFeeSelection))
	require.NoError(t, h.ctrl.SelectPriority(ctx, fee.PrioritySlow))

	s := h.ctrl.Snapshot()
	require.Equal(t, fee.PrioritySlow, s.Selected)
	require.Equal(t, SheetNone, s.Sheet)
	require.Equal(t, before.Signed, s.Signed)
}

// TestControllerRestart checks that a restart discards the signed set and
// builds a new one.
func TestControllerRestart(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, remoteSignal)
	ctx := context.Background()

	waitForState[ViewingConfirmation](t, h.ctrl)

	rebuilt := psbtbuild.SignedSet{
		fee.PriorityStandard: newTestPsbt(t, 30_000, 600),
	}
	h.builder.On("Build", mock.Anything, mock.MatchedBy(
		func(req psbtbuild.Request) bool {
			return req.Amount == spend.Amount(
				spend.Exact{Value: 30_000},
			)
		},
	)).Return(rebuilt, nil).Once()

	require.NoError(t, h.ctrl.Restart(ctx, spend.Exact{Value: 30_000}, nil))

	require.Eventually(t, func() bool {
		s := h.ctrl.Snapshot()
		_, ok := s.State.(ViewingConfirmation)

		return ok && s.Generation == 2
	}, testTimeout, 5*time.Millisecond)

	p, ok := h.ctrl.Snapshot().SelectedPsbt()
	require.True(t, ok)
	require.Same(t, rebuilt[fee.PriorityStandard], p)
}

// TestControllerBuildFailure checks that a build failure is reported and
// that the flow can only be left.
func TestControllerBuildFailure(t *testing.T) {
	t.Parallel()

	builder := &mockBuilder{}
	builder.On("Build", mock.Anything, mock.Anything).Return(
		nil, fmt.Errorf("%w: short", psbtbuild.ErrInsufficientFunds),
	).Once()

	ctrl, err := New(Config{
		Builder:   builder,
		Signer:    &mockSigner{},
		Publisher: &mockPublisher{},
		Signal:    remoteSignal,
		Recipient: newTestRecipient(t),
		Amount:    spend.SendAll{},
		Quotes:    testQuotes,
		Selected:  fee.PriorityFastest,
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, ctrl.Stop(context.Background()))
		builder.AssertExpectations(t)
	})

	waitForState[ErrorInsufficientFunds](t, ctrl)
	require.NoError(t, ctrl.Exit(context.Background()))
	waitForDone(t, ctrl)

	require.Equal(t, Exited{Reason: ExitBackToAmountEntry},
		ctrl.Snapshot().State)
}

// TestControllerUpdates checks that the updates channel ends with the
// terminal session and is then closed.
func TestControllerUpdates(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, remoteSignal)

	waitForState[ViewingConfirmation](t, h.ctrl)
	require.NoError(t, h.ctrl.Exit(context.Background()))

	var last Session
	timeout := time.After(testTimeout)
	for done := false; !done; {
		select {
		case s, ok := <-h.ctrl.Updates():
			if !ok {
				done = true
				continue
			}
			last = s

		case <-timeout:
			t.Fatal("updates not closed")
		}
	}

	require.Equal(t, Exited{Reason: ExitCancelled}, last.State)
}

// TestControllerLifecycle checks start and stop errors.
func TestControllerLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	_, err := New(Config{})
	require.ErrorIs(t, err, ErrMissingConfig)

	_, err = New(Config{
		Builder:   &mockBuilder{},
		Signer:    &mockSigner{},
		Publisher: &mockPublisher{},
		Amount:    spend.SendAll{},
	})
	require.ErrorIs(t, err, spend.ErrNoRecipient)

	// The build never finishes on its own.
	building := make(chan struct{})
	builder := &mockBuilder{}
	builder.On("Build", mock.Anything, mock.Anything).Run(
		func(args mock.Arguments) {
			close(building)
			<-args.Get(0).(context.Context).Done()
		},
	).Return(nil, context.Canceled).Once()

	ctrl, err := New(Config{
		Builder:   builder,
		Signer:    &mockSigner{},
		Publisher: &mockPublisher{},
		Recipient: newTestRecipient(t),
		Amount:    spend.Exact{Value: 20_000},
		Quotes:    testQuotes,
		Selected:  fee.PriorityStandard,
	})
	require.NoError(t, err)

	require.ErrorIs(t, ctrl.Confirm(ctx), ErrNotStarted)
	require.NoError(t, ctrl.Stop(ctx))

	require.NoError(t, ctrl.Start(ctx))
	require.ErrorIs(t, ctrl.Start(ctx), ErrAlreadyStarted)

	select {
	case <-building:
	case <-time.After(testTimeout):
		t.Fatal("build not started")
	}

	// Stopping cancels the build and waits for it.
	stopCtx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()
	require.NoError(t, ctrl.Stop(stopCtx))
	waitForDone(t, ctrl)

	require.ErrorIs(t, ctrl.Confirm(ctx), ErrShuttingDown)
	require.IsType(t, CreatingSignedPsbtSet{}, ctrl.Snapshot().State)
	builder.AssertExpectations(t)
}
