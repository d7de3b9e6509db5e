package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/bacheca/internal/model"
)

const principalColumns = `id, provider, provider_user_id, email, display_name, role,
	created_at, last_authenticated_at, updated_at`

// PostgresPrincipalRepo はPostgreSQLを使用した主体リポジトリ。
type PostgresPrincipalRepo struct {
	db *sql.DB
}

// NewPostgresPrincipalRepo はPostgresPrincipalRepoを生成する。
func NewPostgresPrincipalRepo(db *sql.DB) *PostgresPrincipalRepo {
	return &PostgresPrincipalRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner, extra ...any) (*model.Principal, error) {
	p := &model.Principal{}
	var role string
	dest := []any{
		&p.ID, &p.Provider, &p.ProviderUserID, &p.Email, &p.DisplayName, &role,
		&p.CreatedAt, &p.LastAuthenticatedAt, &p.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	p.Role = model.Role(role)
	return p, nil
}

// FindByID は指定IDの主体を取得する。見つからない場合はnilを返す。
func (r *PostgresPrincipalRepo) FindByID(ctx context.Context, id string) (*model.Principal, error) {
	p, err := scanPrincipal(r.db.QueryRowContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find principal by ID: %w", err)
	}
	return p, nil
}

// Upsert は主体を1文で作成または更新する。
// last_authenticated_at は同一時刻の再ログインでも1マイクロ秒以上前進する。
// 新規作成かどうかは xmax = 0 で判定する。
func (r *PostgresPrincipalRepo) Upsert(ctx context.Context, identity model.Identity, now time.Time) (*model.Principal, bool, error) {
	var created bool
	p, err := scanPrincipal(r.db.QueryRowContext(ctx,
		`INSERT INTO principals (id, provider, provider_user_id, email, display_name, role,
		                         created_at, last_authenticated_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'unassigned', $6, $6, $6)
		 ON CONFLICT (provider, provider_user_id) DO UPDATE SET
		     email = EXCLUDED.email,
		     display_name = EXCLUDED.display_name,
		     last_authenticated_at = GREATEST(EXCLUDED.last_authenticated_at,
		                                      principals.last_authenticated_at + interval '1 microsecond'),
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+principalColumns+`, (xmax = 0)`,
		uuid.New().String(), identity.Provider, identity.ProviderUserID,
		identity.Email, identity.DisplayName, now,
	), &created)
	if err != nil {
		if constraint, ok := pqConstraint(err, pqUniqueViolation); ok && constraint == "principals_email_key" {
			return nil, false, ErrEmailTaken
		}
		return nil, false, fmt.Errorf("failed to upsert principal: %w", err)
	}
	return p, created, nil
}

// AssignRole はロールが unassigned の場合に限りroleを設定する。
// 条件に一致する行がない場合はnilを返す。
func (r *PostgresPrincipalRepo) AssignRole(ctx context.Context, id string, role model.Role) (*model.Principal, error) {
	p, err := scanPrincipal(r.db.QueryRowContext(ctx,
		`UPDATE principals SET role = $2, updated_at = now()
		 WHERE id = $1 AND role = 'unassigned'
		 RETURNING `+principalColumns,
		id, string(role),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to assign role: %w", err)
	}
	return p, nil
}

// compile-time interface check
var _ PrincipalRepository = (*PostgresPrincipalRepo)(nil)
