// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/cosign/broadcast"
	"github.com/btcsuite/cosign/fee"
	"github.com/btcsuite/cosign/policy"
)

const receiptColumns = "txid, priority, factor, amount, fee, published, " +
	"created_at"

// PutReceipt stores r. A receipt stored again for the same txid replaces
// the earlier one but keeps its creation time, and a published receipt is
// never marked unpublished.
func (s *Store) PutReceipt(ctx context.Context, r broadcast.Receipt) error {
	if !r.Priority.IsValid() {
		return fmt.Errorf("%w: %v", fee.ErrUnknownPriority, r.Priority)
	}

	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return s.execInTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO receipts ("+receiptColumns+") "+
				"VALUES (?, ?, ?, ?, ?, ?, ?) "+
				"ON CONFLICT (txid) DO UPDATE SET "+
				"priority = excluded.priority, "+
				"factor = excluded.factor, "+
				"amount = excluded.amount, "+
				"fee = excluded.fee, "+
				"published = MAX(published, excluded.published)",
			r.TxID.String(), r.Priority.String(), int64(r.Factor),
			int64(r.Amount), int64(r.Fee), r.Published,
			createdAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("put receipt %v: %w", r.TxID, err)
		}

		return nil
	})
}

// FetchReceipt returns the receipt of txid.
func (s *Store) FetchReceipt(ctx context.Context,
	txid chainhash.Hash) (broadcast.Receipt, error) {

	row := s.db.QueryRowContext(ctx,
		"SELECT "+receiptColumns+" FROM receipts WHERE txid = ?",
		txid.String(),
	)

	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return broadcast.Receipt{}, fmt.Errorf("%w: %v",
			ErrReceiptNotFound, txid)
	}

	return r, err
}

// ListReceipts returns every receipt, newest first.
func (s *Store) ListReceipts(ctx context.Context) ([]broadcast.Receipt,
	error) {

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+receiptColumns+" FROM receipts "+
			"ORDER BY created_at DESC, txid",
	)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	var receipts []broadcast.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}

		receipts = append(receipts, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}

	return receipts, nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (broadcast.Receipt, error) {
	var (
		txid, priority   string
		factor           int64
		amount, feeAmt   int64
		published        bool
		createdAtSeconds int64
	)

	err := row.Scan(
		&txid, &priority, &factor, &amount, &feeAmt, &published,
		&createdAtSeconds,
	)
	if err != nil {
		return broadcast.Receipt{}, err
	}

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return broadcast.Receipt{}, fmt.Errorf("stored txid: %w", err)
	}

	p, err := fee.ParsePriority(priority)
	if err != nil {
		return broadcast.Receipt{}, fmt.Errorf("stored priority: %w", err)
	}

	return broadcast.Receipt{
		TxID:      *hash,
		Priority:  p,
		Factor:    policy.Factor(factor),
		Amount:    btcutil.Amount(amount),
		Fee:       btcutil.Amount(feeAmt),
		Published: published,
		CreatedAt: time.Unix(createdAtSeconds, 0),
	}, nil
}
