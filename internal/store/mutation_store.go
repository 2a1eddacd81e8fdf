package store

import (
	"context"
	"time"

	"github.com/nhle/mailterm/internal/model"
)

// SavePending persists an optimistic mutation record so pending
// indicators survive a restart.
func (s *SQLiteStore) SavePending(ctx context.Context, rec PendingRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO pending_mutations (
			id, account_id, folder, stable_id,
			kind, value, dest, prior_flags,
			created_at, deadline
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AccountID, rec.Folder, rec.StableID,
		int(rec.Kind), boolToInt(rec.Value), rec.Dest, int(rec.PriorFlags),
		rec.CreatedAt.UTC().Unix(), rec.Deadline.UTC().Unix(),
	)
	if err != nil {
		return &StorageError{Op: "saving pending mutation", Err: err}
	}
	return nil
}

// DeletePending removes a pending mutation record once confirmed or
// reverted.
func (s *SQLiteStore) DeletePending(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM pending_mutations WHERE id = ?", id,
	)
	if err != nil {
		return &StorageError{Op: "deleting pending mutation", Err: err}
	}
	return nil
}

// PendingMutations returns the pending mutation records for an account,
// oldest first.
func (s *SQLiteStore) PendingMutations(
	ctx context.Context,
	accountID string,
) ([]PendingRecord, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, account_id, folder, stable_id,
		       kind, value, dest, prior_flags,
		       created_at, deadline
		FROM pending_mutations
		WHERE account_id = ? ORDER BY created_at`,
		accountID,
	)
	if err != nil {
		return nil, &StorageError{Op: "listing pending mutations", Err: err}
	}
	defer rows.Close()

	var recs []PendingRecord
	for rows.Next() {
		var (
			rec                 PendingRecord
			kind, value, prior  int
			createdAt, deadline int64
		)
		err := rows.Scan(
			&rec.ID, &rec.AccountID, &rec.Folder, &rec.StableID,
			&kind, &value, &rec.Dest, &prior,
			&createdAt, &deadline,
		)
		if err != nil {
			return nil, &StorageError{Op: "scanning pending mutation", Err: err}
		}
		rec.Kind = model.FlagKind(kind)
		rec.Value = value != 0
		rec.PriorFlags = model.Flags(prior)
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		rec.Deadline = time.Unix(deadline, 0).UTC()
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
