package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/bacheca/internal/model"
)

const applicationColumns = `id, listing_id, principal_id, candidate_email, description, submitted_at`

// PostgresApplicationRepo はPostgreSQLを使用した応募リポジトリ。
// 重複応募の排除はテーブルの一意制約に任せる。
type PostgresApplicationRepo struct {
	db *sql.DB
}

// NewPostgresApplicationRepo はPostgresApplicationRepoを生成する。
func NewPostgresApplicationRepo(db *sql.DB) *PostgresApplicationRepo {
	return &PostgresApplicationRepo{db: db}
}

// Create は応募を作成する。
func (r *PostgresApplicationRepo) Create(ctx context.Context, app *model.Application) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO applications (`+applicationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		app.ID, app.ListingID, app.PrincipalID, app.CandidateEmail, app.Description, app.SubmittedAt,
	)
	if err != nil {
		if _, ok := pqConstraint(err, pqUniqueViolation); ok {
			return ErrDuplicate
		}
		if _, ok := pqConstraint(err, pqForeignKeyViolation); ok {
			return ErrReferenceMissing
		}
		return fmt.Errorf("failed to create application: %w", err)
	}
	return nil
}

// ListByPrincipal は主体の応募を新しい順に返す。
func (r *PostgresApplicationRepo) ListByPrincipal(ctx context.Context, principalID string) ([]*model.Application, error) {
	return r.query(ctx,
		`SELECT `+applicationColumns+` FROM applications
		 WHERE principal_id = $1
		 ORDER BY submitted_at DESC`,
		principalID,
	)
}

// ListByListing は求人への応募を新しい順に返す。
func (r *PostgresApplicationRepo) ListByListing(ctx context.Context, listingID string) ([]*model.Application, error) {
	return r.query(ctx,
		`SELECT `+applicationColumns+` FROM applications
		 WHERE listing_id = $1
		 ORDER BY submitted_at DESC`,
		listingID,
	)
}

func (r *PostgresApplicationRepo) query(ctx context.Context, query string, args ...any) ([]*model.Application, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	defer rows.Close()

	apps := make([]*model.Application, 0)
	for rows.Next() {
		a := &model.Application{}
		if err := rows.Scan(&a.ID, &a.ListingID, &a.PrincipalID, &a.CandidateEmail, &a.Description, &a.SubmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan application: %w", err)
		}
		apps = append(apps, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate applications: %w", err)
	}
	return apps, nil
}

// compile-time interface check
var _ ApplicationRepository = (*PostgresApplicationRepo)(nil)
