package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errSource = errors.New("source error")

// mockSignalSource is a mock implementation of SignalSource.
type mockSignalSource struct {
	mock.Mock
}

func (m *mockSignalSource) CurrentSignal(ctx context.Context) (Signal, error) {
	args := m.Called(ctx)
	return args.Get(0).(Signal), args.Error(1)
}

// TestDecide checks every combination of remote availability and spending
// limit, including the boundary where amount plus fee equals the remaining
// limit.
func TestDecide(t *testing.T) {
	t.Parallel()

	limit := fn.Some(SpendingLimit{Daily: 100_000, SpentToday: 40_000})

	testCases := []struct {
		name      string
		total     btcutil.Amount
		signal    Signal
		expStatus LimitStatus
		expFactor Factor
	}{
		{
			name:      "within limit",
			total:     59_999,
			signal:    Signal{RemoteAvailable: true, Limit: limit},
			expStatus: StatusRemoteServiceAvailable,
			expFactor: FactorRemoteService,
		},
		{
			name:      "exactly the remaining limit",
			total:     60_000,
			signal:    Signal{RemoteAvailable: true, Limit: limit},
			expStatus: StatusRemoteServiceAvailable,
			expFactor: FactorRemoteService,
		},
		{
			name:      "fee pushes over the limit",
			total:     60_001,
			signal:    Signal{RemoteAvailable: true, Limit: limit},
			expStatus: StatusRequiresHardware,
			expFactor: FactorHardware,
		},
		{
			name:      "no limit configured",
			total:     1,
			signal:    Signal{RemoteAvailable: true},
			expStatus: StatusRequiresHardware,
			expFactor: FactorHardware,
		},
		{
			name:      "remote unavailable overrides the limit",
			total:     1,
			signal:    Signal{RemoteAvailable: false, Limit: limit},
			expStatus: StatusRemoteServiceAvailable,
			expFactor: FactorHardware,
		},
		{
			name:  "limit spent beyond daily",
			total: 1,
			signal: Signal{
				RemoteAvailable: true,
				Limit: fn.Some(SpendingLimit{
					Daily: 10, SpentToday: 20,
				}),
			},
			expStatus: StatusRequiresHardware,
			expFactor: FactorHardware,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			status := Evaluate(tc.total, tc.signal.Limit)
			require.Equal(t, tc.expStatus, status)

			factor := Decide(status, tc.signal.RemoteAvailable)
			require.Equal(t, tc.expFactor, factor)
			require.Equal(t, tc.expFactor,
				tc.signal.FactorFor(tc.total))
		})
	}
}

// TestDecideRemoteUnavailable checks that an unavailable remote service
// always yields the hardware factor.
func TestDecideRemoteUnavailable(t *testing.T) {
	t.Parallel()

	for _, status := range []LimitStatus{
		StatusRequiresHardware, StatusRemoteServiceAvailable,
	} {
		require.Equal(t, FactorHardware, Decide(status, false))
	}
}

// TestSignalEqual checks signal comparison.
func TestSignalEqual(t *testing.T) {
	t.Parallel()

	a := Signal{RemoteAvailable: true, Limit: fn.Some(SpendingLimit{
		Daily: 10,
	})}
	b := Signal{RemoteAvailable: true, Limit: fn.Some(SpendingLimit{
		Daily: 10,
	})}

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(Signal{RemoteAvailable: true}))
	require.False(t, a.Equal(Signal{Limit: a.Limit}))
	require.True(t, Signal{}.Equal(Signal{}))
}

// TestMonitor checks that the monitor publishes the first signal, ignores
// unchanged polls and publishes changes and failures.
func TestMonitor(t *testing.T) {
	t.Parallel()

	// Arrange: A source that reports a limit, repeats itself, fails and
	// then drops the limit.
	limit := fn.Some(SpendingLimit{Daily: 50_000})
	first := Signal{RemoteAvailable: true, Limit: limit}
	last := Signal{RemoteAvailable: true}

	source := &mockSignalSource{}
	t.Cleanup(func() { source.AssertExpectations(t) })

	source.On("CurrentSignal", mock.Anything).Return(first, nil).Twice()
	source.On("CurrentSignal", mock.Anything).Return(
		Signal{}, errSource,
	).Once()
	source.On("CurrentSignal", mock.Anything).Return(last, nil).Once()

	force := ticker.NewForce(time.Hour)
	m, err := NewMonitor(MonitorConfig{Source: source, Ticker: force})
	require.NoError(t, err)

	updates, cancel := m.Subscribe()
	defer cancel()

	// Act: Start the monitor, which polls once.
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	require.ErrorIs(t, m.Start(context.Background()), ErrMonitorStarted)

	// Assert: The first signal is published.
	require.True(t, first.Equal(receive(t, updates)))
	require.True(t, first.Equal(m.Current()))

	// An unchanged signal is not published again.
	force.Force <- time.Now()
	require.Never(t, func() bool { return len(updates) > 0 },
		50*time.Millisecond, 10*time.Millisecond)

	// A failure marks the remote unavailable but keeps the limit.
	force.Force <- time.Now()
	failed := receive(t, updates)
	require.False(t, failed.RemoteAvailable)
	require.True(t, failed.Limit.IsSome())

	// The last change is published too.
	force.Force <- time.Now()
	require.True(t, last.Equal(receive(t, updates)))
}

// receive reads one signal or fails the test.
func receive(t *testing.T, updates <-chan Signal) Signal {
	t.Helper()

	select {
	case sig := <-updates:
		return sig

	case <-time.After(time.Second):
		t.Fatal("timeout waiting for signal")
		return Signal{}
	}
}

// TestStaticSource checks the fixed source implementation.
func TestStaticSource(t *testing.T) {
	t.Parallel()

	want := Signal{RemoteAvailable: true}
	got, err := StaticSource{Signal: want}.CurrentSignal(
		context.Background(),
	)
	require.NoError(t, err)
	require.True(t, want.Equal(got))

	_, err = NewMonitor(MonitorConfig{})
	require.ErrorIs(t, err, ErrNoSource)
}
