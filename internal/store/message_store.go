package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailterm/internal/model"
)

const upsertMessageQuery = `
	INSERT OR REPLACE INTO messages (
		account_id, folder, stable_id, uid,
		subject, from_addr, from_name, to_addrs,
		date, flags, in_reply_to, refs,
		has_attachments, preview, body_cached
	) VALUES (
		?, ?, ?, ?,
		?, ?, ?, ?,
		?, ?, ?, ?,
		?, ?, ?
	)`

// ApplyDelta applies one sync delta and the advanced cursor in a single
// transaction. Either the whole delta and the cursor commit together,
// or neither does, so a crash mid-sync never leaves the cursor ahead of
// applied data.
func (s *SQLiteStore) ApplyDelta(
	ctx context.Context,
	accountID, folder string,
	d Delta,
	cur SyncCursor,
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "apply delta", Err: err}
	}
	defer tx.Rollback()

	if err := applyDeltaTx(ctx, tx, accountID, folder, d, cur); err != nil {
		return &StorageError{Op: "apply delta", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "apply delta commit", Err: err}
	}
	return nil
}

// applyDeltaTx performs the delta writes on an open transaction.
func applyDeltaTx(
	ctx context.Context,
	tx *sqlx.Tx,
	accountID, folder string,
	d Delta,
	cur SyncCursor,
) error {
	if len(d.Upserts) > 0 {
		stmt, err := tx.PreparexContext(ctx, upsertMessageQuery)
		if err != nil {
			return fmt.Errorf("preparing upsert statement: %w", err)
		}
		defer stmt.Close()

		for _, m := range d.Upserts {
			if err := execUpsert(ctx, stmt, m); err != nil {
				return err
			}
			if err := refreshFTS(ctx, tx, accountID, folder, m.StableID, m.Subject, m.From); err != nil {
				return err
			}
		}
	}

	for stableID, flags := range d.FlagUpdates {
		_, err := tx.ExecContext(ctx, `
			UPDATE messages SET flags = ?
			WHERE account_id = ? AND folder = ? AND stable_id = ?`,
			int(flags), accountID, folder, stableID,
		)
		if err != nil {
			return fmt.Errorf("updating flags for %s: %w", stableID, err)
		}
	}

	for _, stableID := range d.Deletes {
		if err := deleteMessageTx(ctx, tx, accountID, folder, stableID); err != nil {
			return err
		}
	}

	if d.FullSync {
		// Remove rows no longer present on the server. Upserts ran
		// first, so a crash before this point only leaves stale rows,
		// never lost ones.
		if err := deleteNotInTx(ctx, tx, accountID, folder, d.Upserts); err != nil {
			return err
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_state (
			account_id, folder, uid_validity, uid_next, last_sync
		) VALUES (?, ?, ?, ?, ?)`,
		accountID, folder, cur.UIDValidity, cur.UIDNext, cur.LastSync.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("advancing sync cursor: %w", err)
	}

	return nil
}

// execUpsert writes one message row through a prepared statement.
func execUpsert(ctx context.Context, stmt *sqlx.Stmt, m model.Message) error {
	toAddrs, err := json.Marshal(m.To)
	if err != nil {
		return fmt.Errorf("marshaling to_addrs for %s: %w", m.StableID, err)
	}
	refs, err := json.Marshal(m.References)
	if err != nil {
		return fmt.Errorf("marshaling refs for %s: %w", m.StableID, err)
	}

	_, err = stmt.ExecContext(ctx,
		m.AccountID, m.Folder, m.StableID, m.UID,
		m.Subject, m.From, m.FromName, string(toAddrs),
		m.Date.UTC().Unix(), int(m.Flags), m.InReplyTo, string(refs),
		boolToInt(m.HasAttachments), m.Preview, boolToInt(m.BodyCached),
	)
	if err != nil {
		return fmt.Errorf("upserting message %s: %w", m.StableID, err)
	}
	return nil
}

// refreshFTS rewrites the full-text row for a message, preserving any
// cached body text.
func refreshFTS(
	ctx context.Context,
	tx *sqlx.Tx,
	accountID, folder, stableID, subject, from string,
) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM messages_fts
		WHERE account_id = ? AND folder = ? AND stable_id = ?`,
		accountID, folder, stableID,
	)
	if err != nil {
		return fmt.Errorf("clearing fts row for %s: %w", stableID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages_fts (subject, from_addr, body, account_id, folder, stable_id)
		VALUES (?, ?, COALESCE(
			(SELECT text_body FROM bodies
			 WHERE account_id = ? AND folder = ? AND stable_id = ?), ''
		), ?, ?, ?)`,
		subject, from, accountID, folder, stableID, accountID, folder, stableID,
	)
	if err != nil {
		return fmt.Errorf("indexing fts row for %s: %w", stableID, err)
	}
	return nil
}

// deleteMessageTx removes one message row and its dependent rows.
func deleteMessageTx(
	ctx context.Context,
	tx *sqlx.Tx,
	accountID, folder, stableID string,
) error {
	for _, q := range []string{
		"DELETE FROM messages WHERE account_id = ? AND folder = ? AND stable_id = ?",
		"DELETE FROM bodies WHERE account_id = ? AND folder = ? AND stable_id = ?",
		"DELETE FROM attachments WHERE account_id = ? AND folder = ? AND stable_id = ?",
		"DELETE FROM messages_fts WHERE account_id = ? AND folder = ? AND stable_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, accountID, folder, stableID); err != nil {
			return fmt.Errorf("deleting message %s: %w", stableID, err)
		}
	}
	return nil
}

// deleteNotInTx removes every cached row of the folder whose stable id
// is not among the upserted messages.
func deleteNotInTx(
	ctx context.Context,
	tx *sqlx.Tx,
	accountID, folder string,
	kept []model.Message,
) error {
	var staleIDs []string
	rows, err := tx.QueryxContext(ctx,
		"SELECT stable_id FROM messages WHERE account_id = ? AND folder = ?",
		accountID, folder,
	)
	if err != nil {
		return fmt.Errorf("listing cached ids: %w", err)
	}
	defer rows.Close()

	keep := make(map[string]bool, len(kept))
	for _, m := range kept {
		keep[m.StableID] = true
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scanning cached id: %w", err)
		}
		if !keep[id] {
			staleIDs = append(staleIDs, id)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range staleIDs {
		if err := deleteMessageTx(ctx, tx, accountID, folder, id); err != nil {
			return err
		}
	}
	return nil
}

// Cursor returns the persisted sync cursor for one folder, or nil if
// the folder has never been synced.
func (s *SQLiteStore) Cursor(
	ctx context.Context,
	accountID, folder string,
) (*SyncCursor, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT uid_validity, uid_next, last_sync FROM sync_state
		WHERE account_id = ? AND folder = ?`,
		accountID, folder,
	)

	var (
		uidValidity, uidNext uint32
		lastSync             int64
	)
	err := row.Scan(&uidValidity, &uidNext, &lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "reading cursor", Err: err}
	}

	return &SyncCursor{
		AccountID:   accountID,
		Folder:      folder,
		UIDValidity: uidValidity,
		UIDNext:     uidNext,
		LastSync:    time.Unix(lastSync, 0).UTC(),
	}, nil
}

// Cursors returns all persisted cursors for an account, used after a
// reconnect to resync every folder with known state.
func (s *SQLiteStore) Cursors(
	ctx context.Context,
	accountID string,
) ([]SyncCursor, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT folder, uid_validity, uid_next, last_sync FROM sync_state
		WHERE account_id = ? ORDER BY folder`,
		accountID,
	)
	if err != nil {
		return nil, &StorageError{Op: "listing cursors", Err: err}
	}
	defer rows.Close()

	var cursors []SyncCursor
	for rows.Next() {
		cur := SyncCursor{AccountID: accountID}
		var lastSync int64
		if err := rows.Scan(&cur.Folder, &cur.UIDValidity, &cur.UIDNext, &lastSync); err != nil {
			return nil, &StorageError{Op: "scanning cursor", Err: err}
		}
		cur.LastSync = time.Unix(lastSync, 0).UTC()
		cursors = append(cursors, cur)
	}
	return cursors, rows.Err()
}

const messageColumns = `
	account_id, folder, stable_id, uid,
	subject, from_addr, from_name, to_addrs,
	date, flags, in_reply_to, refs,
	has_attachments, preview, body_cached`

// Messages returns all cached messages of one folder, newest first.
// This is the thread builder's input set.
func (s *SQLiteStore) Messages(
	ctx context.Context,
	accountID, folder string,
) ([]model.Message, error) {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT"+messageColumns+`
		FROM messages WHERE account_id = ? AND folder = ?
		ORDER BY date DESC, stable_id ASC`,
		accountID, folder,
	)
	if err != nil {
		return nil, &StorageError{Op: "querying messages", Err: err}
	}
	defer rows.Close()

	return scanMessages(rows)
}

// GetMessage retrieves a single message by its stable id.
func (s *SQLiteStore) GetMessage(
	ctx context.Context,
	accountID, folder, stableID string,
) (*model.Message, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT"+messageColumns+`
		FROM messages WHERE account_id = ? AND folder = ? AND stable_id = ?`,
		accountID, folder, stableID,
	)

	m, err := scanMessageRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: fmt.Sprintf("getting message %s", stableID), Err: err}
	}
	return &m, nil
}

// ListPage returns one page of the folder listing ordered by date
// descending. The cursor is a position in the ordering, not an offset:
// new incoming mail inserted above never shifts a page already handed
// out.
func (s *SQLiteStore) ListPage(
	ctx context.Context,
	accountID, folder string,
	pageSize int,
	after *PageCursor,
) ([]model.Message, *PageCursor, error) {
	if pageSize <= 0 {
		pageSize = 50
	}

	query := "SELECT" + messageColumns + `
		FROM messages WHERE account_id = ? AND folder = ?`
	args := []interface{}{accountID, folder}

	if after != nil {
		query += ` AND (date < ? OR (date = ? AND stable_id > ?))`
		ts := after.Date.UTC().Unix()
		args = append(args, ts, ts, after.StableID)
	}

	query += ` ORDER BY date DESC, stable_id ASC LIMIT ?`
	args = append(args, pageSize)

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, nil, &StorageError{Op: "listing page", Err: err}
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, nil, err
	}

	var next *PageCursor
	if len(msgs) == pageSize {
		last := msgs[len(msgs)-1]
		next = &PageCursor{Date: last.Date, StableID: last.StableID}
	}
	return msgs, next, nil
}

// UIDIndex returns the UID-to-stable-id mapping with flags for one
// folder, used to reconcile server flag state and detect deletions.
func (s *SQLiteStore) UIDIndex(
	ctx context.Context,
	accountID, folder string,
) ([]UIDEntry, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT uid, stable_id, flags FROM messages
		WHERE account_id = ? AND folder = ? ORDER BY uid`,
		accountID, folder,
	)
	if err != nil {
		return nil, &StorageError{Op: "querying uid index", Err: err}
	}
	defer rows.Close()

	var entries []UIDEntry
	for rows.Next() {
		var e UIDEntry
		var flags int
		if err := rows.Scan(&e.UID, &e.StableID, &flags); err != nil {
			return nil, &StorageError{Op: "scanning uid index", Err: err}
		}
		e.Flags = model.Flags(flags)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SetFlags overwrites the flag set of one message.
func (s *SQLiteStore) SetFlags(
	ctx context.Context,
	accountID, folder, stableID string,
	flags model.Flags,
) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET flags = ?
		WHERE account_id = ? AND folder = ? AND stable_id = ?`,
		int(flags), accountID, folder, stableID,
	)
	if err != nil {
		return &StorageError{Op: fmt.Sprintf("setting flags on %s", stableID), Err: err}
	}
	return nil
}

// MoveMessage relocates a message (and its body rows) to another folder.
func (s *SQLiteStore) MoveMessage(
	ctx context.Context,
	accountID, folder, stableID, dest string,
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "moving message", Err: err}
	}
	defer tx.Rollback()

	for _, table := range []string{"messages", "bodies", "attachments", "messages_fts"} {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET folder = ? WHERE account_id = ? AND folder = ? AND stable_id = ?", table),
			dest, accountID, folder, stableID,
		)
		if err != nil {
			return &StorageError{Op: fmt.Sprintf("moving %s row", table), Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "moving message commit", Err: err}
	}
	return nil
}

// DeleteMessage removes a message and its dependent rows.
func (s *SQLiteStore) DeleteMessage(
	ctx context.Context,
	accountID, folder, stableID string,
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "deleting message", Err: err}
	}
	defer tx.Rollback()

	if err := deleteMessageTx(ctx, tx, accountID, folder, stableID); err != nil {
		return &StorageError{Op: "deleting message", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "deleting message commit", Err: err}
	}
	return nil
}

// UpsertMessage writes a single message row outside a sync delta. The
// mutation ledger uses it to restore an optimistically deleted message.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, m model.Message) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "upserting message", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, upsertMessageQuery)
	if err != nil {
		return &StorageError{Op: "upserting message", Err: err}
	}
	defer stmt.Close()

	if err := execUpsert(ctx, stmt, m); err != nil {
		return &StorageError{Op: "upserting message", Err: err}
	}
	if err := refreshFTS(ctx, tx, m.AccountID, m.Folder, m.StableID, m.Subject, m.From); err != nil {
		return &StorageError{Op: "upserting message", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "upserting message commit", Err: err}
	}
	return nil
}

// Folders returns the per-folder unread and total counts for one
// account, derived from cached rows.
func (s *SQLiteStore) Folders(
	ctx context.Context,
	accountID string,
) ([]model.Folder, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT folder,
		       COUNT(*) AS total,
		       SUM(CASE WHEN flags & ? = 0 THEN 1 ELSE 0 END) AS unread
		FROM messages WHERE account_id = ?
		GROUP BY folder ORDER BY folder`,
		int(model.FlagSeen), accountID,
	)
	if err != nil {
		return nil, &StorageError{Op: "querying folders", Err: err}
	}
	defer rows.Close()

	var folders []model.Folder
	for rows.Next() {
		f := model.Folder{AccountID: accountID}
		if err := rows.Scan(&f.Name, &f.Total, &f.Unread); err != nil {
			return nil, &StorageError{Op: "scanning folder", Err: err}
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// scanMessages drains a result set of message rows.
func scanMessages(rows *sqlx.Rows) ([]model.Message, error) {
	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// rowScanner abstracts sqlx.Row and sqlx.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (model.Message, error) {
	var (
		m              model.Message
		toAddrs        string
		refs           string
		date           int64
		flags          int
		hasAttachments int
		bodyCached     int
	)

	err := row.Scan(
		&m.AccountID, &m.Folder, &m.StableID, &m.UID,
		&m.Subject, &m.From, &m.FromName, &toAddrs,
		&date, &flags, &m.InReplyTo, &refs,
		&hasAttachments, &m.Preview, &bodyCached,
	)
	if err != nil {
		return model.Message{}, err
	}

	m.Date = time.Unix(date, 0).UTC()
	m.Flags = model.Flags(flags)
	m.HasAttachments = hasAttachments != 0
	m.BodyCached = bodyCached != 0

	if toAddrs != "" {
		if err := json.Unmarshal([]byte(toAddrs), &m.To); err != nil {
			return model.Message{}, fmt.Errorf("unmarshaling to_addrs: %w", err)
		}
	}
	if refs != "" {
		if err := json.Unmarshal([]byte(refs), &m.References); err != nil {
			return model.Message{}, fmt.Errorf("unmarshaling refs: %w", err)
		}
	}

	return m, nil
}

func scanMessageRow(row *sqlx.Row) (model.Message, error) {
	return scanMessage(row)
}

// SaveBody stores the fetched body of a message and marks the header
// row, updating the full-text index with the body text.
func (s *SQLiteStore) SaveBody(
	ctx context.Context,
	accountID, folder, stableID string,
	body model.Body,
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "saving body", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO bodies (account_id, folder, stable_id, text_body, html_body, raw)
		VALUES (?, ?, ?, ?, ?, ?)`,
		accountID, folder, stableID, body.Text, body.HTML, body.Raw,
	)
	if err != nil {
		return &StorageError{Op: "saving body", Err: err}
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM attachments WHERE account_id = ? AND folder = ? AND stable_id = ?`,
		accountID, folder, stableID,
	)
	if err != nil {
		return &StorageError{Op: "saving attachments", Err: err}
	}
	for i, a := range body.Attachments {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attachments (account_id, folder, stable_id, position, filename, size, mime_type)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			accountID, folder, stableID, i, a.Filename, a.Size, a.MIMEType,
		)
		if err != nil {
			return &StorageError{Op: "saving attachments", Err: err}
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET body_cached = 1
		WHERE account_id = ? AND folder = ? AND stable_id = ?`,
		accountID, folder, stableID,
	)
	if err != nil {
		return &StorageError{Op: "marking body cached", Err: err}
	}

	// Re-index with the body text included.
	var subject, from string
	err = tx.QueryRowxContext(ctx, `
		SELECT subject, from_addr FROM messages
		WHERE account_id = ? AND folder = ? AND stable_id = ?`,
		accountID, folder, stableID,
	).Scan(&subject, &from)
	if err == nil {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM messages_fts WHERE account_id = ? AND folder = ? AND stable_id = ?`,
			accountID, folder, stableID,
		)
		if err != nil {
			return &StorageError{Op: "reindexing body", Err: err}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages_fts (subject, from_addr, body, account_id, folder, stable_id)
			VALUES (?, ?, ?, ?, ?, ?)`,
			subject, from, body.Text, accountID, folder, stableID,
		)
		if err != nil {
			return &StorageError{Op: "reindexing body", Err: err}
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return &StorageError{Op: "reindexing body", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "saving body commit", Err: err}
	}
	return nil
}

// GetBody retrieves a cached body, or nil if not yet fetched.
func (s *SQLiteStore) GetBody(
	ctx context.Context,
	accountID, folder, stableID string,
) (*model.Body, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT text_body, html_body, raw FROM bodies
		WHERE account_id = ? AND folder = ? AND stable_id = ?`,
		accountID, folder, stableID,
	)

	var body model.Body
	err := row.Scan(&body.Text, &body.HTML, &body.Raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "reading body", Err: err}
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT filename, size, mime_type FROM attachments
		WHERE account_id = ? AND folder = ? AND stable_id = ?
		ORDER BY position`,
		accountID, folder, stableID,
	)
	if err != nil {
		return nil, &StorageError{Op: "reading attachments", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var a model.Attachment
		if err := rows.Scan(&a.Filename, &a.Size, &a.MIMEType); err != nil {
			return nil, &StorageError{Op: "scanning attachment", Err: err}
		}
		body.Attachments = append(body.Attachments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &body, nil
}

// CachedBodyIDs reports which of the given ids already have a cached
// body, so prefetch can skip them in one query instead of N.
func (s *SQLiteStore) CachedBodyIDs(
	ctx context.Context,
	accountID, folder string,
	ids []string,
) (map[string]bool, error) {
	cached := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return cached, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, accountID, folder)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryxContext(ctx, fmt.Sprintf(`
		SELECT stable_id FROM bodies
		WHERE account_id = ? AND folder = ? AND stable_id IN (%s)`, placeholders),
		args...,
	)
	if err != nil {
		return nil, &StorageError{Op: "checking cached bodies", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &StorageError{Op: "scanning cached body id", Err: err}
		}
		cached[id] = true
	}
	return cached, rows.Err()
}
