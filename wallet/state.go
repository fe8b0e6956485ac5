// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrStateForbidden is returned when an operation cannot be performed
	// due to the current state of the wallet (e.g., never synced, or a
	// resync in progress).
	ErrStateForbidden = errors.New("operation forbidden in current state")
)

// syncState represents how fresh the wallet's view of its UTXOs is.
type syncState uint32

const (
	// syncStateUnsynced indicates the UTXO set has never been loaded.
	syncStateUnsynced syncState = iota

	// syncStateSyncing indicates a resync is in progress.
	syncStateSyncing

	// syncStateSynced indicates the UTXO set reflects the last completed
	// resync.
	syncStateSynced
)

// String returns the string representation of a sync state.
func (s syncState) String() string {
	switch s {
	case syncStateUnsynced:
		return "unsynced"

	case syncStateSyncing:
		return "syncing"

	case syncStateSynced:
		return "synced"

	default:
		return "unknown sync state"
	}
}

// walletState is a thread-safe wrapper around the wallet's sync state.
type walletState struct {
	sync atomic.Uint32

	// everSynced records whether a resync has completed at least once, so
	// a failed resync can fall back to the previous UTXO set.
	everSynced atomic.Bool
}

// String returns a summary of the wallet's state.
func (s *walletState) String() string {
	return fmt.Sprintf("sync=%v", s.syncState())
}

// syncState returns the current synchronization state.
func (s *walletState) syncState() syncState {
	return syncState(s.sync.Load())
}

// toSyncing moves the wallet into the syncing state. Only one resync may run
// at a time.
func (s *walletState) toSyncing() error {
	for {
		current := s.syncState()
		if current == syncStateSyncing {
			return fmt.Errorf("%w: resync already in progress",
				ErrStateForbidden)
		}

		if s.sync.CompareAndSwap(
			uint32(current), uint32(syncStateSyncing)) {

			return nil
		}
	}
}

// toSynced marks a successful resync.
func (s *walletState) toSynced() {
	s.everSynced.Store(true)
	s.sync.Store(uint32(syncStateSynced))
}

// toSyncFailed ends a failed resync. A wallet that synced before keeps its
// previous UTXO set and stays usable.
func (s *walletState) toSyncFailed() {
	if s.everSynced.Load() {
		s.sync.Store(uint32(syncStateSynced))
		return
	}

	s.sync.Store(uint32(syncStateUnsynced))
}

// validateSynced checks that a UTXO set has been loaded. A background
// resync does not block callers once the first sync completed. They keep
// building from the previous set until it is swapped.
func (s *walletState) validateSynced() error {
	current := s.syncState()
	switch {
	case current == syncStateSynced:
	case current == syncStateSyncing && s.everSynced.Load():
	default:
		return fmt.Errorf("%w: wallet is currently %s",
			ErrStateForbidden, current)
	}

	return nil
}
