// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/btcsuite/cosign/fee"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// keyPreferredPriority is the preferences key of the fee tier preference.
const keyPreferredPriority = "preferred_priority"

// PreferredPriority returns the stored fee tier preference, if any.
func (s *Store) PreferredPriority(
	ctx context.Context) (fn.Option[fee.Priority], error) {

	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM preferences WHERE key = ?",
		keyPreferredPriority,
	).Scan(&value)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fn.None[fee.Priority](), nil

	case err != nil:
		return fn.None[fee.Priority](), fmt.Errorf("query preferred "+
			"priority: %w", err)
	}

	p, err := fee.ParsePriority(value)
	if err != nil {
		return fn.None[fee.Priority](), fmt.Errorf("stored preferred "+
			"priority: %w", err)
	}

	return fn.Some(p), nil
}

// PutPreferredPriority stores p as the fee tier preference.
func (s *Store) PutPreferredPriority(ctx context.Context,
	p fee.Priority) error {

	if !p.IsValid() {
		return fmt.Errorf("%w: %v", fee.ErrUnknownPriority, p)
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO preferences (key, value) VALUES (?, ?) "+
			"ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		keyPreferredPriority, p.String(),
	)
	if err != nil {
		return fmt.Errorf("put preferred priority: %w", err)
	}

	log.Debugf("Stored preferred priority %v", p)

	return nil
}
