package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/perpbox/internal/domain"
)

// BoxStore implements domain.BoxHistoryStore.
type BoxStore struct {
	pool *pgxpool.Pool
}

// NewBoxStore creates a BoxStore backed by pool.
func NewBoxStore(pool *pgxpool.Pool) *BoxStore {
	return &BoxStore{pool: pool}
}

const boxSelectCols = `id, cell_i, cell_j, t0, t1, p0, p1,
	status, venue_state, direction, created_at, fired_at, resolved_at`

// Save upserts box by id.
func (s *BoxStore) Save(ctx context.Context, b domain.Box) error {
	const query = `
		INSERT INTO box_history (
			id, cell_i, cell_j, t0, t1, p0, p1,
			status, venue_state, direction, created_at, fired_at, resolved_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status      = EXCLUDED.status,
			venue_state = EXCLUDED.venue_state,
			direction   = EXCLUDED.direction,
			fired_at    = EXCLUDED.fired_at,
			resolved_at = EXCLUDED.resolved_at,
			updated_at  = NOW()`
	_, err := s.pool.Exec(ctx, query,
		b.ID, b.Cell.I, b.Cell.J, b.T0, b.T1, b.P0, b.P1,
		string(b.Status), string(b.Venue), string(b.Direction),
		b.CreatedAt, b.FiredAt, b.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save box %s: %w", b.ID, err)
	}
	return nil
}

// List returns boxes newest-resolved first.
func (s *BoxStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Box, error) {
	q := newListQuery(`SELECT ` + boxSelectCols + ` FROM box_history`)
	q.window("resolved_at", "resolved_at DESC NULLS LAST", opts)

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list boxes: %w", err)
	}
	defer rows.Close()

	boxes, err := scanBoxRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan boxes: %w", err)
	}
	return boxes, nil
}

func scanBoxRows(rows pgx.Rows) ([]domain.Box, error) {
	var out []domain.Box
	for rows.Next() {
		var b domain.Box
		var status, venue, dir string
		if err := rows.Scan(
			&b.ID, &b.Cell.I, &b.Cell.J, &b.T0, &b.T1, &b.P0, &b.P1,
			&status, &venue, &dir, &b.CreatedAt, &b.FiredAt, &b.ResolvedAt,
		); err != nil {
			return nil, err
		}
		b.Status = domain.BoxStatus(status)
		b.Venue = domain.VenueState(venue)
		b.Direction = domain.Direction(dir)
		out = append(out, b)
	}
	return out, rows.Err()
}

var _ domain.BoxHistoryStore = (*BoxStore)(nil)
