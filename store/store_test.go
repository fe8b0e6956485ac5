// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/cosign/broadcast"
	"github.com/btcsuite/cosign/fee"
	"github.com/btcsuite/cosign/policy"
	"github.com/stretchr/testify/require"
)

// newTestStore opens a store in a fresh temporary directory.
func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cosign.db")

	s, err := Open(context.Background(), path)
	require.NoError(t, err, "failed to open store")

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s, path
}

func TestNewNilDB(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.ErrorIs(t, err, ErrNilDB)
}

// TestPreferredPriority checks that the preference is absent until stored
// and that the last stored tier wins.
func TestPreferredPriority(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	p, err := s.PreferredPriority(ctx)
	require.NoError(t, err)
	require.True(t, p.IsNone())

	require.NoError(t, s.PutPreferredPriority(ctx, fee.PrioritySlow))
	require.NoError(t, s.PutPreferredPriority(ctx, fee.PriorityFastest))

	p, err = s.PreferredPriority(ctx)
	require.NoError(t, err)
	require.Equal(t, fee.PriorityFastest,
		p.UnwrapOr(fee.PriorityStandard))

	err = s.PutPreferredPriority(ctx, fee.Priority(42))
	require.ErrorIs(t, err, fee.ErrUnknownPriority)
}

// TestReopen checks that migrations are applied once and data survives a
// reopen.
func TestReopen(t *testing.T) {
	t.Parallel()

	s, path := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutPreferredPriority(ctx, fee.PrioritySlow))
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = reopened.Close()
	})

	p, err := reopened.PreferredPriority(ctx)
	require.NoError(t, err)
	require.Equal(t, fee.PrioritySlow, p.UnwrapOr(fee.PriorityFastest))
}

// TestReceipts checks storing, fetching and listing receipts.
func TestReceipts(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	older := broadcast.Receipt{
		TxID:      chainhash.Hash{1},
		Priority:  fee.PriorityStandard,
		Factor:    policy.FactorHardware,
		Amount:    20_000,
		Fee:       600,
		Published: true,
		CreatedAt: time.Unix(1_700_000_000, 0),
	}
	newer := broadcast.Receipt{
		TxID:      chainhash.Hash{2},
		Priority:  fee.PrioritySlow,
		Factor:    policy.FactorRemoteService,
		Amount:    5_000,
		Fee:       200,
		Published: false,
		CreatedAt: time.Unix(1_700_000_100, 0),
	}

	require.NoError(t, s.PutReceipt(ctx, older))
	require.NoError(t, s.PutReceipt(ctx, newer))

	got, err := s.FetchReceipt(ctx, older.TxID)
	require.NoError(t, err)
	require.Equal(t, older, got)

	list, err := s.ListReceipts(ctx)
	require.NoError(t, err)
	require.Equal(t, []broadcast.Receipt{newer, older}, list)

	_, err = s.FetchReceipt(ctx, chainhash.Hash{3})
	require.ErrorIs(t, err, ErrReceiptNotFound)
}

// TestReceiptUpsert checks that storing a receipt again keeps its creation
// time and never clears the published flag.
func TestReceiptUpsert(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	r := broadcast.Receipt{
		TxID:      chainhash.Hash{7},
		Priority:  fee.PriorityFastest,
		Factor:    policy.FactorRemoteService,
		Amount:    1_000,
		Fee:       2_000,
		Published: true,
		CreatedAt: time.Unix(1_700_000_000, 0),
	}
	require.NoError(t, s.PutReceipt(ctx, r))

	again := r
	again.Published = false
	again.CreatedAt = time.Unix(1_800_000_000, 0)
	require.NoError(t, s.PutReceipt(ctx, again))

	got, err := s.FetchReceipt(ctx, r.TxID)
	require.NoError(t, err)
	require.Equal(t, r, got)

	list, err := s.ListReceipts(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

// TestReceiptDefaults checks the creation time default and priority
// validation.
func TestReceiptDefaults(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	require.NoError(t, s.PutReceipt(ctx, broadcast.Receipt{
		TxID:     chainhash.Hash{9},
		Priority: fee.PriorityStandard,
	}))

	got, err := s.FetchReceipt(ctx, chainhash.Hash{9})
	require.NoError(t, err)
	require.False(t, got.CreatedAt.Before(before.Truncate(time.Second)))

	err = s.PutReceipt(ctx, broadcast.Receipt{
		TxID:     chainhash.Hash{10},
		Priority: fee.Priority(9),
	})
	require.ErrorIs(t, err, fee.ErrUnknownPriority)
}
