package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgSearch implements Searcher with a plain ILIKE scan as a fallback.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgSearch) Healthy() bool {
	return true
}

// Search matches the owner's live templates by display name or normalized
// name, newest first.
func (p *PgSearch) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	pattern := "%" + strings.TrimSpace(q.Text) + "%"
	ctx := context.Background()

	var total int
	err := p.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM templates t
		WHERE t.owner_id=$1 AND t.deleted_at IS NULL
		  AND (t.display_name ILIKE $2 OR t.key_name ILIKE $2)
	`, q.OwnerID, pattern).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("pgsearch count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT t.id, t.key, t.display_name, u.display_name
		FROM templates t
		JOIN users u ON u.id = t.owner_id
		WHERE t.owner_id=$1 AND t.deleted_at IS NULL
		  AND (t.display_name ILIKE $2 OR t.key_name ILIKE $2)
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $3 OFFSET $4
	`, q.OwnerID, pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgsearch query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Key, &r.Name, &r.Owner); err != nil {
			return nil, 0, fmt.Errorf("pgsearch scan: %w", err)
		}
		r.Snippet = r.Name
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every live template for full reindexing.
func (p *PgSearch) LoadAllRecords(ctx context.Context) ([]TemplateRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT t.id::text, t.key, t.display_name, t.key_name, u.display_name, t.owner_id
		FROM templates t
		JOIN users u ON u.id = t.owner_id
		WHERE t.deleted_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	defer rows.Close()

	records := make([]TemplateRecord, 0)
	for rows.Next() {
		var r TemplateRecord
		if err := rows.Scan(&r.ID, &r.Key, &r.Name, &r.KeyName, &r.Owner, &r.OwnerID); err != nil {
			return nil, fmt.Errorf("scan template record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate template records: %w", err)
	}
	return records, nil
}
