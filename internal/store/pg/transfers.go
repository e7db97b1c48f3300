package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"harborbank.org/internal/bank"
	"harborbank.org/internal/transfer"
)

const transferColumns = `id, owner_id, account_id, amount, currency,
	recipient_name, recipient_account_number, recipient_bank_name, recipient_note,
	status, failure_reason, level_count, levels_done, created_at, updated_at`

// Levels are persisted as a bitmask: bit i set means level i+1 is verified.
func levelsToMask(levels []bool) int64 {
	var mask int64
	for i, done := range levels {
		if done {
			mask |= 1 << i
		}
	}
	return mask
}

func maskToLevels(count int, mask int64) []bool {
	levels := make([]bool, count)
	for i := range levels {
		levels[i] = mask&(1<<i) != 0
	}
	return levels
}

func scanTransfer(row rowScanner) (transfer.Transfer, error) {
	var (
		t      transfer.Transfer
		status string
		count  int
		mask   int64
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.AccountID, &t.Amount, &t.Currency,
		&t.Recipient.Name, &t.Recipient.AccountNumber, &t.Recipient.BankName, &t.Recipient.Note,
		&status, &t.FailureReason, &count, &mask, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return transfer.Transfer{}, notFound(err)
	}
	t.Status = transfer.Status(status)
	t.Levels = maskToLevels(count, mask)
	return t, nil
}

func (s *Store) CreateTransfer(ctx context.Context, t *transfer.Transfer) error {
	if len(t.Levels) > transfer.MaxLevels {
		return fmt.Errorf("%d security levels exceed the supported maximum", len(t.Levels))
	}
	_, err := s.db.ExecContext(ctx, `
		insert into transfers (id, owner_id, account_id, amount, currency,
			recipient_name, recipient_account_number, recipient_bank_name, recipient_note,
			status, failure_reason, level_count, levels_done, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, t.ID, t.OwnerID, t.AccountID, t.Amount, t.Currency,
		t.Recipient.Name, t.Recipient.AccountNumber, t.Recipient.BankName, t.Recipient.Note,
		string(t.Status), t.FailureReason, len(t.Levels), levelsToMask(t.Levels), t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return transfer.ErrPendingTransferExists
	}
	return err
}

func (s *Store) GetTransfer(ctx context.Context, id string) (transfer.Transfer, error) {
	return scanTransfer(s.db.QueryRowContext(ctx, `select `+transferColumns+` from transfers where id = $1`, id))
}

func (s *Store) FindOpenTransfer(ctx context.Context, ownerID string) (transfer.Transfer, error) {
	return scanTransfer(s.db.QueryRowContext(ctx, `
		select `+transferColumns+` from transfers
		where owner_id = $1 and status in ('pending', 'processing')
		limit 1
	`, ownerID))
}

func (s *Store) ListTransfers(ctx context.Context, ownerID string, limit int) ([]transfer.Transfer, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+transferColumns+` from transfers
		where owner_id = $1
		order by id desc
		limit $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []transfer.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CompleteLevel sets the level bit on a pending transfer and, in the same statement,
// moves it to processing once every bit is set.
func (s *Store) CompleteLevel(ctx context.Context, id string, level int, now time.Time) (transfer.Transfer, error) {
	t, err := scanTransfer(s.db.QueryRowContext(ctx, `
		update transfers set
			levels_done = levels_done | (1::bigint << ($2::int - 1)),
			status = case
				when (levels_done | (1::bigint << ($2::int - 1))) = ((1::bigint << level_count) - 1) then 'processing'
				else status
			end,
			updated_at = $3
		where id = $1 and status = 'pending' and $2::int between 1 and level_count
		returning `+transferColumns, id, level, now))
	if !errors.Is(err, bank.ErrNotFound) {
		return t, err
	}
	cur, err := s.GetTransfer(ctx, id)
	if err != nil {
		return transfer.Transfer{}, err
	}
	if cur.Status != transfer.StatusPending {
		return transfer.Transfer{}, transfer.ErrTransferNotPending
	}
	return transfer.Transfer{}, transfer.ErrInvalidLevel
}

func (s *Store) UpdateTransferStatus(ctx context.Context, id string, from []transfer.Status, to transfer.Status, reason string, now time.Time) (transfer.Transfer, error) {
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}
	// statuses travel as one comma separated parameter
	t, err := scanTransfer(s.db.QueryRowContext(ctx, `
		update transfers set status = $2, failure_reason = $3, updated_at = $4
		where id = $1 and status = any(string_to_array($5, ','))
		returning `+transferColumns, id, string(to), reason, now, strings.Join(allowed, ",")))
	if !errors.Is(err, bank.ErrNotFound) {
		return t, err
	}
	if _, err := s.GetTransfer(ctx, id); err != nil {
		return transfer.Transfer{}, err
	}
	return transfer.Transfer{}, transfer.ErrTransferNotPending
}

// SettleTransfer locks the transfer and then its source account, lets settle decide the
// new balance from the locked rows, and writes both in one transaction.
func (s *Store) SettleTransfer(ctx context.Context, id string, settle transfer.SettleFunc, now time.Time) (transfer.Transfer, decimal.Decimal, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return transfer.Transfer{}, decimal.Decimal{}, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanTransfer(tx.QueryRowContext(ctx, `select `+transferColumns+` from transfers where id = $1 for update`, id))
	if err != nil {
		return transfer.Transfer{}, decimal.Decimal{}, err
	}
	acct, err := scanAccount(tx.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1 for update`, t.AccountID))
	if err != nil {
		return transfer.Transfer{}, decimal.Decimal{}, err
	}

	newBalance, err := settle(t, acct)
	if err != nil {
		return transfer.Transfer{}, decimal.Decimal{}, err
	}

	if _, err := tx.ExecContext(ctx, `update accounts set balance = $2, updated_at = $3 where id = $1`, acct.ID, newBalance, now); err != nil {
		return transfer.Transfer{}, decimal.Decimal{}, err
	}
	settled, err := scanTransfer(tx.QueryRowContext(ctx, `
		update transfers set status = 'completed', updated_at = $2
		where id = $1
		returning `+transferColumns, id, now))
	if err != nil {
		return transfer.Transfer{}, decimal.Decimal{}, err
	}
	if err := tx.Commit(); err != nil {
		return transfer.Transfer{}, decimal.Decimal{}, err
	}
	return settled, newBalance, nil
}
