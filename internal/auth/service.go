// Package auth はOAuth認証フロー、セッション管理、ロール選択を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/bacheca/internal/metrics"
	"github.com/hitoshi/bacheca/internal/model"
	"github.com/hitoshi/bacheca/internal/repository"
)

// sessionTokenBytes はセッショントークンの乱数バイト数。hexエンコード後は64文字。
const sessionTokenBytes = 32

// defaultProviderTimeout はProviderTimeout未設定時のコード交換のタイムアウト。
const defaultProviderTimeout = 10 * time.Second

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードを交換し、プロバイダーが検証した本人情報を返す。
	ExchangeCode(ctx context.Context, code string) (*model.Identity, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge   int           // セッション有効期間（秒）
	ProviderTimeout time.Duration // コード交換のタイムアウト
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth      OAuthProvider
	principals repository.PrincipalRepository
	sessions   repository.SessionRepository
	metrics    metrics.MetricsCollector
	config     ServiceConfig
	now        func() time.Time
}

// NewService はServiceを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewService(
	oauth OAuthProvider,
	principals repository.PrincipalRepository,
	sessions repository.SessionRepository,
	collector metrics.MetricsCollector,
	config ServiceConfig,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = defaultProviderTimeout
	}
	return &Service{
		oauth:      oauth,
		principals: principals,
		sessions:   sessions,
		metrics:    collector,
		config:     config,
		now:        time.Now,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback はOAuthコールバックを処理し、主体の作成または更新とセッション発行を行う。
// プロバイダーとの通信失敗はUPSTREAM_FAILURE、本人情報の不備はAUTHENTICATION_REQUIREDを返し、
// いずれの場合も主体とセッションには一切書き込まない。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Establishment, error) {
	if code == "" {
		s.metrics.RecordLogin(metrics.LoginRejected)
		return nil, model.NewAuthenticationRequiredError()
	}

	identity, err := s.exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	principal, created, err := s.principals.Upsert(ctx, *identity, s.now())
	if errors.Is(err, repository.ErrEmailTaken) {
		slog.Warn("email already bound to another principal",
			slog.String("provider", identity.Provider),
			slog.String("provider_user_id", identity.ProviderUserID),
		)
		s.metrics.RecordLogin(metrics.LoginRejected)
		return nil, model.NewAuthenticationRequiredError()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert principal: %w", err)
	}

	session, err := s.createSession(ctx, principal.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if created {
		s.metrics.RecordPrincipalCreated()
		slog.Info("new principal created",
			slog.String("principal_id", principal.ID),
			slog.String("provider", principal.Provider),
		)
	} else {
		slog.Info("principal logged in",
			slog.String("principal_id", principal.ID),
			slog.String("role", string(principal.Role)),
		)
	}
	s.metrics.RecordLogin(metrics.LoginSuccess)

	return &model.Establishment{
		Principal: principal.View(),
		Session:   session,
		Created:   created,
	}, nil
}

// exchange はタイムアウト付きでコード交換を行い、本人情報を正規化する。
func (s *Service) exchange(ctx context.Context, code string) (*model.Identity, error) {
	exCtx, cancel := context.WithTimeout(ctx, s.config.ProviderTimeout)
	defer cancel()

	start := time.Now()
	identity, err := s.oauth.ExchangeCode(exCtx, code)
	s.metrics.RecordProviderLatency(time.Since(start))

	if err != nil {
		if errors.Is(err, ErrInvalidAssertion) {
			slog.Warn("provider assertion rejected", slog.String("error", err.Error()))
			s.metrics.RecordLogin(metrics.LoginRejected)
			return nil, model.NewAuthenticationRequiredError()
		}
		slog.Error("provider exchange failed", slog.String("error", err.Error()))
		s.metrics.RecordLogin(metrics.LoginUpstreamError)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, model.NewUpstreamFailureError("timeout")
		}
		return nil, model.NewUpstreamFailureError("exchange failed")
	}

	normalized, ok := normalizeIdentity(identity)
	if !ok {
		slog.Warn("provider returned incomplete identity")
		s.metrics.RecordLogin(metrics.LoginRejected)
		return nil, model.NewAuthenticationRequiredError()
	}
	return normalized, nil
}

// normalizeIdentity はメールアドレスと表示名を正規化し、必須項目を検証する。
func normalizeIdentity(identity *model.Identity) (*model.Identity, bool) {
	if identity == nil {
		return nil, false
	}
	out := *identity
	out.ProviderUserID = strings.TrimSpace(out.ProviderUserID)
	out.Email = strings.ToLower(strings.TrimSpace(out.Email))
	out.DisplayName = strings.TrimSpace(out.DisplayName)
	if out.Provider == "" {
		out.Provider = model.ProviderGoogle
	}
	if out.ProviderUserID == "" || !strings.Contains(out.Email, "@") {
		return nil, false
	}
	return &out, true
}

// WhoAmI はセッショントークンから現在の主体を解決する。
// トークンが空、期限切れ、失効済みの場合はエラーではなく「主体なし」を返す。
// 形式が不正なトークンはMALFORMED_CREDENTIALを返す。
func (s *Service) WhoAmI(ctx context.Context, token string) (model.MaybePrincipal, error) {
	if token == "" {
		return model.NoPrincipal(), nil
	}
	if !ValidSessionToken(token) {
		return model.NoPrincipal(), model.NewMalformedCredentialError()
	}

	session, err := s.sessions.FindByID(ctx, token)
	if err != nil {
		return model.NoPrincipal(), fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return model.NoPrincipal(), nil
	}

	principal, err := s.principals.FindByID(ctx, session.PrincipalID)
	if err != nil {
		return model.NoPrincipal(), fmt.Errorf("failed to find principal: %w", err)
	}
	if principal == nil {
		return model.NoPrincipal(), nil
	}

	return model.SomePrincipal(principal.View()), nil
}

// AssignRole はロール未選択の主体に candidate または company を一度だけ設定する。
// 既に設定済みの場合は同じロールの再指定も含めてROLE_ALREADY_SETを返す。
func (s *Service) AssignRole(ctx context.Context, token string, role string) (model.PrincipalView, error) {
	current, err := s.WhoAmI(ctx, token)
	if model.HasCode(err, model.ErrCodeMalformedCredential) {
		return model.PrincipalView{}, model.NewAuthenticationRequiredError()
	}
	if err != nil {
		return model.PrincipalView{}, err
	}
	view, ok := current.Get()
	if !ok {
		return model.PrincipalView{}, model.NewAuthenticationRequiredError()
	}

	parsed, ok := model.ParseRole(role)
	if !ok || !parsed.IsConcrete() {
		return model.PrincipalView{}, model.NewInvalidRoleError(role)
	}

	updated, err := s.principals.AssignRole(ctx, view.ID, parsed)
	if err != nil {
		return model.PrincipalView{}, fmt.Errorf("failed to assign role: %w", err)
	}
	if updated == nil {
		existing, err := s.principals.FindByID(ctx, view.ID)
		if err != nil {
			return model.PrincipalView{}, fmt.Errorf("failed to find principal: %w", err)
		}
		if existing == nil {
			return model.PrincipalView{}, model.NewAuthenticationRequiredError()
		}
		return model.PrincipalView{}, model.NewRoleAlreadySetError(existing.Role)
	}

	s.metrics.RecordRoleAssigned(string(updated.Role))
	slog.Info("role assigned",
		slog.String("principal_id", updated.ID),
		slog.String("role", string(updated.Role)),
	)
	return updated.View(), nil
}

// Logout はセッションを破棄する。
// トークンが空、不正、既に失効済みの場合も成功として扱う。
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" || !ValidSessionToken(token) {
		return nil
	}

	if err := s.sessions.DeleteByID(ctx, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("session revoked")
	return nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, principalID string) (*model.Session, error) {
	token, err := generateSessionToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:          token,
		PrincipalID: principalID,
		ExpiresAt:   now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt:   now,
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// ValidSessionToken はトークンが発行形式（小文字hex 64文字）かどうかを返す。
func ValidSessionToken(token string) bool {
	if len(token) != sessionTokenBytes*2 {
		return false
	}
	for _, c := range token {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// generateSessionToken は暗号的に安全なセッショントークンを生成する。
func generateSessionToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
