// Package model はドメインモデルを定義する。
package model

import "time"

// Role は主体が選択したロールを表す。
// unassigned から candidate または company への遷移のみ許可される。
type Role string

const (
	// RoleUnassigned は初回ログイン直後のロール未選択状態。
	RoleUnassigned Role = "unassigned"
	// RoleCandidate は求職者。
	RoleCandidate Role = "candidate"
	// RoleCompany は求人を掲載する企業。
	RoleCompany Role = "company"
)

// IsConcrete はロール選択ゲートで選択可能なロールかどうかを返す。
func (r Role) IsConcrete() bool {
	return r == RoleCandidate || r == RoleCompany
}

// ParseRole は文字列をRoleに変換する。未知の値はfalseを返す。
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleUnassigned, RoleCandidate, RoleCompany:
		return Role(s), true
	}
	return "", false
}

// ProviderGoogle はGoogle OAuthのプロバイダー識別子。
const ProviderGoogle = "google"

// Principal は外部IdPで認証された利用者を表す。
// (Provider, ProviderUserID) ごとに1レコードのみ存在する。
type Principal struct {
	ID                  string
	Provider            string
	ProviderUserID      string
	Email               string
	DisplayName         string
	Role                Role
	CreatedAt           time.Time
	LastAuthenticatedAt time.Time
	UpdatedAt           time.Time
}

// View は公開用の射影を返す。
func (p *Principal) View() PrincipalView {
	return PrincipalView{
		ID:          p.ID,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Role:        p.Role,
	}
}

// PrincipalView はクライアントに返す主体情報。
type PrincipalView struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// RolePending はロール未選択かどうかを返す。
func (v PrincipalView) RolePending() bool {
	return v.Role == RoleUnassigned
}

// MaybePrincipal は「主体あり」または「主体なし」を表す。
// ゼロ値は主体なし。
type MaybePrincipal struct {
	view  PrincipalView
	valid bool
}

// SomePrincipal は主体ありの値を生成する。
func SomePrincipal(v PrincipalView) MaybePrincipal {
	return MaybePrincipal{view: v, valid: true}
}

// NoPrincipal は主体なしの値を生成する。
func NoPrincipal() MaybePrincipal {
	return MaybePrincipal{}
}

// Get は主体と存在有無を返す。
func (m MaybePrincipal) Get() (PrincipalView, bool) {
	return m.view, m.valid
}

// Present は主体が存在するかどうかを返す。
func (m MaybePrincipal) Present() bool {
	return m.valid
}

// Identity はOAuthプロバイダーが検証済みの本人情報を表す。
// ProviderUserID と Email は必須。
type Identity struct {
	Provider       string
	ProviderUserID string
	Email          string
	DisplayName    string
}

// Session は主体のログインセッションを表す。
// IDはクッキーに格納される不透明トークン。
type Session struct {
	ID          string
	PrincipalID string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Establishment はログイン成功時に発行される主体とセッションの組。
type Establishment struct {
	Principal PrincipalView
	Session   *Session
	Created   bool // 初回ログインで主体を新規作成した場合true
}
