// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/bacheca/internal/model"
)

// ストレージ制約違反を表すセンチネルエラー。
// サービス層はこれをAPIErrorに変換する。
var (
	// ErrDuplicate は一意制約違反。
	ErrDuplicate = errors.New("unique constraint violated")
	// ErrReferenceMissing は外部キー制約違反（参照先が存在しない）。
	ErrReferenceMissing = errors.New("referenced row does not exist")
	// ErrEmailTaken は別の主体が同じメールアドレスを使用している。
	ErrEmailTaken = errors.New("email already bound to another principal")
)

// PrincipalRepository は主体データの永続化インターフェース。
type PrincipalRepository interface {
	// FindByID は指定IDの主体を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Principal, error)

	// Upsert は (provider, provider_user_id) をキーに主体を1文で作成または更新する。
	// 新規作成時のロールは unassigned。既存の場合は email, display_name を更新し
	// last_authenticated_at を必ず前進させる。createdは新規作成時にtrue。
	Upsert(ctx context.Context, identity model.Identity, now time.Time) (principal *model.Principal, created bool, err error)

	// AssignRole はロールが unassigned の場合に限りroleを設定する。
	// 条件に一致する行がない場合はnilを返す。
	AssignRole(ctx context.Context, id string, role model.Role) (*model.Principal, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。存在しなくてもエラーにしない。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// ListingRepository は求人データの永続化インターフェース。
type ListingRepository interface {
	// Create は求人を作成する。
	Create(ctx context.Context, listing *model.Listing) error
	// FindByID は指定IDの求人を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Listing, error)
	// List は公開日時の降順で求人を返す。
	List(ctx context.Context, limit int) ([]*model.Listing, error)
	// ListByCompany は指定企業の求人を公開日時の降順で返す。
	ListByCompany(ctx context.Context, companyID string) ([]*model.Listing, error)
	// Delete は指定企業が所有する求人を削除する。該当行がない場合はfalseを返す。
	Delete(ctx context.Context, id, companyID string) (bool, error)
}

// ApplicationRepository は応募データの永続化インターフェース。
type ApplicationRepository interface {
	// Create は応募を作成する。
	// 同じ主体・求人の組が既に存在する場合はErrDuplicate、
	// 求人が存在しない場合はErrReferenceMissingを返す。
	Create(ctx context.Context, app *model.Application) error
	// ListByPrincipal は主体の応募を新しい順に返す。
	ListByPrincipal(ctx context.Context, principalID string) ([]*model.Application, error)
	// ListByListing は求人への応募を新しい順に返す。
	ListByListing(ctx context.Context, listingID string) ([]*model.Application, error)
}
