package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the procedures table. Procedures match on
// their generated search_vector; recommendation items are expanded from the
// JSONB payload.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
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

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	scope := ""
	if q.FilterEngagementID != "" {
		args = append(args, q.FilterEngagementID)
		scope += fmt.Sprintf(" AND p.engagement_id = $%d", len(args))
	}
	if q.FilterProcedureType != "" {
		args = append(args, q.FilterProcedureType)
		scope += fmt.Sprintf(" AND p.procedure_type = $%d", len(args))
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultProcedure {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'procedure'::text AS type, p.id, p.title,
				ts_headline('simple', p.title || ' ' || coalesce(p.payload->>'sections', ''), %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.id AS procedure_id, p.engagement_id, p.procedure_type, ''::text AS section,
				ts_rank(p.search_vector, %[1]s) AS rank
			FROM procedures p
			WHERE p.search_vector @@ %[1]s%[2]s`, tsQuery, scope))
	}
	if q.FilterType == "" || q.FilterType == ResultRecommendation {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'recommendation'::text AS type, p.id || '__' || coalesce(r->>'id', ''), coalesce(r->>'section', ''),
				ts_headline('simple', coalesce(r->>'text', ''), %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.id AS procedure_id, p.engagement_id, p.procedure_type, coalesce(r->>'section', '') AS section,
				ts_rank(to_tsvector('simple', coalesce(r->>'text', '')), %[1]s) AS rank
			FROM procedures p
			CROSS JOIN LATERAL jsonb_array_elements(
				CASE WHEN jsonb_typeof(p.payload->'recommendations') = 'array' THEN p.payload->'recommendations' ELSE '[]'::jsonb END
			) AS r
			WHERE to_tsvector('simple', coalesce(r->>'text', '')) @@ %[1]s%[2]s`, tsQuery, scope))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, procedure_id, engagement_id, procedure_type, section
		FROM (%s) sub
		ORDER BY rank DESC, id
		LIMIT %d OFFSET %d`, union, limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProcedureID, &r.EngagementID, &r.ProcedureType, &r.Section); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}
