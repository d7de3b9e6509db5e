// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/bacheca/internal/middleware"
	"github.com/hitoshi/bacheca/internal/model"
)

const (
	oauthStateCookie = "oauth_state"
	oauthStateMaxAge = 600

	// callbackPath はOAuth完了後にフロントエンドへ戻すパス。
	callbackPath = "/oauth-callback"
)

// コールバック失敗時にリダイレクト先へ付与するerrorクエリの値。
const (
	callbackErrInvalidState  = "invalid_state"
	callbackErrMissingCode   = "missing_code"
	callbackErrUpstream      = "upstream_failure"
	callbackErrAuthFailed    = "authentication_failed"
	callbackErrInternal      = "server_error"
	maxProviderErrorCodeSize = 64
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(state string) string
	HandleCallback(ctx context.Context, code string) (*model.Establishment, error)
	WhoAmI(ctx context.Context, token string) (model.MaybePrincipal, error)
	AssignRole(ctx context.Context, token string, role string) (model.PrincipalView, error)
	Logout(ctx context.Context, token string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL        string
	CookieDomain   string
	CookieSecure   bool
	CookieSameSite http.SameSite
	SessionMaxAge  int // セッションCookieの有効期間（秒）
}

// AuthHandler はOAuth認証、セッション、ロール選択のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	if config.CookieSameSite == 0 {
		config.CookieSameSite = http.SameSiteLaxMode
	}
	if config.CookieSameSite == http.SameSiteNoneMode {
		config.CookieSecure = true
	}
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// principalResponse は /auth/me と /auth/set-role のレスポンス。
// 未認証の場合 principal は null。
type principalResponse struct {
	Principal *model.PrincipalView `json:"principal"`
}

type setRoleRequest struct {
	Role string `json:"role"`
}

// Login はGoogle OAuthフローを開始する。
// GET /auth/google/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// プロバイダーからのトップレベル遷移で送られるようLaxで固定する
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/auth",
		MaxAge:   oauthStateMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/google/callback?code=xxx&state=yyy
// 結果は成功・失敗ともにフロントエンドの完了ルートへのリダイレクトで返す。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	state := query.Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	h.clearStateCookie(w)

	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(stateCookie.Value), []byte(state)) != 1 {
		slog.Warn("oauth state mismatch")
		h.redirectWithError(w, r, callbackErrInvalidState)
		return
	}

	if providerErr := query.Get("error"); providerErr != "" {
		slog.Info("oauth provider returned error", slog.String("provider_error", providerErr))
		h.redirectWithError(w, r, sanitizeErrorCode(providerErr))
		return
	}

	code := query.Get("code")
	if code == "" {
		h.redirectWithError(w, r, callbackErrMissingCode)
		return
	}

	est, err := h.service.HandleCallback(r.Context(), code)
	if err != nil {
		switch {
		case model.HasCode(err, model.ErrCodeUpstreamFailure):
			h.redirectWithError(w, r, callbackErrUpstream)
		case model.HasCode(err, model.ErrCodeAuthenticationRequired):
			h.redirectWithError(w, r, callbackErrAuthFailed)
		default:
			slog.Error("oauth callback failed", slog.String("error", err.Error()))
			h.redirectWithError(w, r, callbackErrInternal)
		}
		return
	}

	h.setSessionCookie(w, est.Session.ID, h.config.SessionMaxAge)
	http.Redirect(w, r, h.callbackURL(""), http.StatusTemporaryRedirect)
}

// Me は現在の主体を返す。未認証でも200で principal: null を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	resolved, err := h.service.WhoAmI(r.Context(), middleware.SessionToken(r))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	resp := principalResponse{}
	if p, ok := resolved.Get(); ok {
		resp.Principal = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

// SetRole はロール未選択の主体にロールを1度だけ設定する。
// POST /auth/set-role
func (h *AuthHandler) SetRole(w http.ResponseWriter, r *http.Request) {
	var req setRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.AssignRole(r.Context(), middleware.SessionToken(r), req.Role)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, principalResponse{Principal: &p})
}

// Logout はセッションを破棄する。セッションが無効でも成功を返す。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := middleware.SessionToken(r); token != "" {
		if err := h.service.Logout(r.Context(), token); err != nil {
			// ログアウト失敗してもCookieはクリアする
			slog.Error("failed to logout", slog.String("error", err.Error()))
		}
	}

	h.setSessionCookie(w, "", -1)
	writeJSON(w, http.StatusOK, map[string]bool{"loggedOut": true})
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: h.config.CookieSameSite,
	})
}

func (h *AuthHandler) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) redirectWithError(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, h.callbackURL(code), http.StatusTemporaryRedirect)
}

// callbackURL はフロントエンドの完了ルートのURLを返す。errCodeが空でなければerrorクエリを付与する。
func (h *AuthHandler) callbackURL(errCode string) string {
	target := strings.TrimRight(h.config.BaseURL, "/") + callbackPath
	if errCode == "" {
		return target
	}
	return target + "?" + url.Values{"error": {errCode}}.Encode()
}

// sanitizeErrorCode はプロバイダーのerror値をリダイレクトに載せられる形に制限する。
func sanitizeErrorCode(s string) string {
	if len(s) > maxProviderErrorCodeSize {
		s = s[:maxProviderErrorCodeSize]
	}
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return -1
		}
	}, s)
	if clean == "" {
		return callbackErrUpstream
	}
	return clean
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
