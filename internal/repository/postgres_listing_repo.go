package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/bacheca/internal/model"
)

const listingColumns = `id, company_id, title, company_name, description, location, published_at`

// PostgresListingRepo はPostgreSQLを使用した求人リポジトリ。
type PostgresListingRepo struct {
	db *sql.DB
}

// NewPostgresListingRepo はPostgresListingRepoを生成する。
func NewPostgresListingRepo(db *sql.DB) *PostgresListingRepo {
	return &PostgresListingRepo{db: db}
}

func scanListing(row rowScanner) (*model.Listing, error) {
	l := &model.Listing{}
	err := row.Scan(&l.ID, &l.CompanyID, &l.Title, &l.CompanyName, &l.Description, &l.Location, &l.PublishedAt)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Create は求人を作成する。
func (r *PostgresListingRepo) Create(ctx context.Context, listing *model.Listing) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO listings (`+listingColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		listing.ID, listing.CompanyID, listing.Title, listing.CompanyName,
		listing.Description, listing.Location, listing.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create listing: %w", err)
	}
	return nil
}

// FindByID は指定IDの求人を取得する。見つからない場合はnilを返す。
func (r *PostgresListingRepo) FindByID(ctx context.Context, id string) (*model.Listing, error) {
	l, err := scanListing(r.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find listing by ID: %w", err)
	}
	return l, nil
}

// List は公開日時の降順で求人を返す。
func (r *PostgresListingRepo) List(ctx context.Context, limit int) ([]*model.Listing, error) {
	return r.query(ctx,
		`SELECT `+listingColumns+` FROM listings
		 ORDER BY published_at DESC, id
		 LIMIT $1`,
		limit,
	)
}

// ListByCompany は指定企業の求人を公開日時の降順で返す。
func (r *PostgresListingRepo) ListByCompany(ctx context.Context, companyID string) ([]*model.Listing, error) {
	return r.query(ctx,
		`SELECT `+listingColumns+` FROM listings
		 WHERE company_id = $1
		 ORDER BY published_at DESC, id`,
		companyID,
	)
}

// Delete は指定企業が所有する求人を削除する。
// 関連するapplicationsはCASCADE削除される。
func (r *PostgresListingRepo) Delete(ctx context.Context, id, companyID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM listings WHERE id = $1 AND company_id = $2`,
		id, companyID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete listing: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresListingRepo) query(ctx context.Context, query string, args ...any) ([]*model.Listing, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}
	defer rows.Close()

	listings := make([]*model.Listing, 0)
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate listings: %w", err)
	}
	return listings, nil
}

// compile-time interface check
var _ ListingRepository = (*PostgresListingRepo)(nil)
