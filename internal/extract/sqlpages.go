package extract

import (
	"context"
	"fmt"

	"github.com/imancn/marketpipe/internal/backfill"
	"github.com/imancn/marketpipe/internal/pipeline"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SQLPages builds a PageFunc over a pgx pool by appending LIMIT/OFFSET to
// a base query. The base query filters on the window bounds via $1 (start)
// and $2 (end); limit and offset are supplied as $3 and $4.
//
// Example base query:
//
//	SELECT trade_id, symbol, price, executed_at
//	FROM trades WHERE executed_at >= $1 AND executed_at < $2
//	ORDER BY executed_at, trade_id
type SQLPages struct {
	Pool      *pgxpool.Pool
	BaseQuery string
}

// For returns the page fetcher for one window.
func (s *SQLPages) For(win backfill.Window) PageFunc {
	query := fmt.Sprintf("%s LIMIT $3 OFFSET $4", s.BaseQuery)
	return func(ctx context.Context, limit, offset int) ([]pipeline.Record, error) {
		rows, err := s.Pool.Query(ctx, query, win.Start, win.End, limit, offset)
		if err != nil {
			return nil, fmt.Errorf("querying source: %w", err)
		}
		defer rows.Close()

		fields := rows.FieldDescriptions()
		cols := make([]string, len(fields))
		for i, f := range fields {
			cols[i] = f.Name
		}

		var recs []pipeline.Record
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				return nil, fmt.Errorf("scanning source row: %w", err)
			}
			rec := make(pipeline.Record, len(cols))
			for i, c := range cols {
				rec[c] = vals[i]
			}
			recs = append(recs, rec)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("reading source rows: %w", err)
		}
		return recs, nil
	}
}

// Extractor wraps the SQL source as a paginated pipeline extractor.
func (s *SQLPages) Extractor(name string, opts PageOptions) pipeline.Extractor {
	return &Paginated{ExtractorName: name, Pages: s.For, Options: opts}
}
