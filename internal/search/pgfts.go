package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches decks by name or slide text using plainto_tsquery and
// ts_rank, with ts_headline for snippets. Slide text is aggregated per
// deck so each deck appears at most once.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
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

	where := "(to_tsvector('simple', d.name) @@ plainto_tsquery('simple', $1)" +
		" OR to_tsvector('simple', coalesce(agg.text, '')) @@ plainto_tsquery('simple', $1))"
	args := []any{q.Text}
	if q.OwnerID != "" {
		where += " AND d.owner_id = $2"
		args = append(args, q.OwnerID)
	}

	base := fmt.Sprintf(`
		FROM decks d
		LEFT JOIN (
			SELECT deck_id, string_agg(title || ' ' || content, ' ' ORDER BY slide_order) AS text
			FROM slides
			GROUP BY deck_id
		) agg ON agg.deck_id = d.id
		WHERE %s`, where)

	countSQL := "SELECT count(*) " + base

	var total int
	if err := p.db.QueryRowContext(context.Background(), countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT d.id, d.name, d.owner_id,
			ts_headline('simple', coalesce(agg.text, d.name), plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		%s
		ORDER BY ts_rank(
			to_tsvector('simple', d.name || ' ' || coalesce(agg.text, '')),
			plainto_tsquery('simple', $1)) DESC
		LIMIT %d OFFSET %d`, base, limit, offset)

	rows, err := p.db.QueryContext(context.Background(), dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Name, &r.OwnerID, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts rows: %w", err)
	}
	return results, total, nil
}

// LoadAllRecords reads every deck with its slide text for reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DeckRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT d.id, d.name, d.owner_id, coalesce(agg.text, '')
		FROM decks d
		LEFT JOIN (
			SELECT deck_id, string_agg(title || ' ' || content, ' ' ORDER BY slide_order) AS text
			FROM slides
			GROUP BY deck_id
		) agg ON agg.deck_id = d.id`)
	if err != nil {
		return nil, fmt.Errorf("pgfts load decks: %w", err)
	}
	defer rows.Close()

	var decks []DeckRecord
	for rows.Next() {
		var rec DeckRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.OwnerID, &rec.Text); err != nil {
			return nil, fmt.Errorf("pgfts scan deck: %w", err)
		}
		decks = append(decks, rec)
	}
	return decks, rows.Err()
}
