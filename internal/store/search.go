package store

import (
	"context"
	"strings"
)

// Search runs a ranked full-text query over subject, sender, and cached
// body text across all accounts. Results order by bm25 relevance
// (smaller is better, so ascending).
func (s *SQLiteStore) Search(
	ctx context.Context,
	query string,
	limit int,
) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT account_id, folder, stable_id, subject, from_addr,
		       bm25(messages_fts) AS rank
		FROM messages_fts
		WHERE messages_fts MATCH ?
		ORDER BY rank ASC
		LIMIT ?`,
		ftsQuery(query), limit,
	)
	if err != nil {
		return nil, &StorageError{Op: "searching", Err: err}
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.AccountID, &r.Folder, &r.StableID, &r.Subject, &r.From, &r.Rank); err != nil {
			return nil, &StorageError{Op: "scanning search result", Err: err}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ftsQuery quotes each term so user input with FTS5 operator characters
// (quotes, minus, colons in addresses) cannot break the query syntax.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, `""`)
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " ")
}
