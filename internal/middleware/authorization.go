// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/bacheca/internal/metrics"
	"github.com/hitoshi/bacheca/internal/model"
)

// SessionCookieName はセッショントークンを格納するクッキー名。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// requestContextKey はリクエストコンテキストにRequestContextを格納するためのキー。
var requestContextKey = contextKey("request_context")

// RequestContext は認可済みリクエストに付与される主体情報。
// 主体はリクエストごとにストアから読み直したもの。
type RequestContext struct {
	Principal    model.PrincipalView
	SessionToken string
}

// PrincipalResolver はセッショントークンから主体を解決するインターフェース。
// auth.Serviceが実装する。
type PrincipalResolver interface {
	WhoAmI(ctx context.Context, token string) (model.MaybePrincipal, error)
}

// Authorizer はルート単位のロール要件を検査する。
type Authorizer struct {
	resolver PrincipalResolver
	metrics  metrics.MetricsCollector
}

// NewAuthorizer はAuthorizerを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewAuthorizer(resolver PrincipalResolver, collector metrics.MetricsCollector) *Authorizer {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Authorizer{resolver: resolver, metrics: collector}
}

// Require は主体のロールがrolesのいずれかであることを要求するミドルウェアを返す。
// rolesが空の場合は認証済み（unassignedを含む）であればよい。
// セッションがなければ401、ロールが一致しなければ403を返す。
func (a *Authorizer) Require(roles ...model.Role) func(next http.Handler) http.Handler {
	allowed := make(map[model.Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := SessionToken(r)

			resolved, err := a.resolver.WhoAmI(r.Context(), token)
			if err != nil && !model.HasCode(err, model.ErrCodeMalformedCredential) {
				slog.Error("failed to resolve principal",
					slog.String("error", err.Error()),
					slog.String("path", r.URL.Path),
				)
				WriteInternalServerError(w)
				return
			}

			principal, ok := resolved.Get()
			if !ok {
				a.metrics.RecordAuthzDenied(metrics.DeniedUnauthenticated)
				WriteAPIError(w, model.NewAuthenticationRequiredError())
				return
			}

			if len(allowed) > 0 {
				if _, ok := allowed[principal.Role]; !ok {
					a.metrics.RecordAuthzDenied(metrics.DeniedRole)
					slog.Warn("role not permitted",
						slog.String("principal_id", principal.ID),
						slog.String("role", string(principal.Role)),
						slog.String("path", r.URL.Path),
					)
					WriteAPIError(w, model.NewForbiddenRoleError(principal.Role))
					return
				}
			}

			annotatePrincipal(r.Context(), principal.ID)
			ctx := ContextWithRequestContext(r.Context(), RequestContext{
				Principal:    principal,
				SessionToken: token,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionToken はリクエストのセッションクッキーの値を返す。クッキーがなければ空文字。
func SessionToken(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// RequestContextFrom はリクエストコンテキストからRequestContextを取得する。
// Authorizerを通過したリクエストでのみ存在する。
func RequestContextFrom(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey).(RequestContext)
	if !ok || rc.Principal.ID == "" {
		return RequestContext{}, false
	}
	return rc, true
}

// ContextWithRequestContext はコンテキストにRequestContextを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}
