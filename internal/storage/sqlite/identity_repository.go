package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/video_acquirer/internal/identity"
	"github.com/italolelis/video_acquirer/internal/storage"
)

var _ storage.IdentityHealthRepository = (*IdentityHealthRepository)(nil)

type IdentityHealthRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewIdentityHealthRepository(dbConn *sql.DB) *IdentityHealthRepository {
	return &IdentityHealthRepository{db: dbConn, now: time.Now}
}

func (r *IdentityHealthRepository) LoadHealth(ctx context.Context) ([]identity.Health, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, last_success, consecutive_failures, verified FROM identity_health ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []identity.Health

	for rows.Next() {
		var (
			h           identity.Health
			lastSuccess string
		)

		if err := rows.Scan(&h.Name, &lastSuccess, &h.ConsecutiveFailures, &h.Verified); err != nil {
			return nil, err
		}

		if lastSuccess != "" {
			h.LastSuccess, err = time.Parse(time.RFC3339Nano, lastSuccess)
			if err != nil {
				return nil, fmt.Errorf("invalid last_success for identity %s: %w", h.Name, err)
			}
		}

		records = append(records, h)
	}

	return records, rows.Err()
}

// SaveHealth upserts the health record of one identity.
func (r *IdentityHealthRepository) SaveHealth(ctx context.Context, h identity.Health) error {
	lastSuccess := ""
	if !h.LastSuccess.IsZero() {
		lastSuccess = h.LastSuccess.UTC().Format(time.RFC3339Nano)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO identity_health (name, last_success, consecutive_failures, verified, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			last_success = excluded.last_success,
			consecutive_failures = excluded.consecutive_failures,
			verified = excluded.verified,
			updated_at = excluded.updated_at
	`, h.Name, lastSuccess, h.ConsecutiveFailures, h.Verified, r.now().UTC().Format(time.RFC3339))

	return err
}
