package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hitoshi/bacheca/internal/middleware"
	"github.com/hitoshi/bacheca/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	getLoginURLFn    func(state string) string
	handleCallbackFn func(ctx context.Context, code string) (*model.Establishment, error)
	whoAmIFn         func(ctx context.Context, token string) (model.MaybePrincipal, error)
	assignRoleFn     func(ctx context.Context, token, role string) (model.PrincipalView, error)
	logoutFn         func(ctx context.Context, token string) error
}

func (m *mockAuthService) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return "https://accounts.google.com/o/oauth2/v2/auth?state=" + state
}

func (m *mockAuthService) HandleCallback(ctx context.Context, code string) (*model.Establishment, error) {
	if m.handleCallbackFn != nil {
		return m.handleCallbackFn(ctx, code)
	}
	return nil, errors.New("not configured")
}

func (m *mockAuthService) WhoAmI(ctx context.Context, token string) (model.MaybePrincipal, error) {
	if m.whoAmIFn != nil {
		return m.whoAmIFn(ctx, token)
	}
	return model.NoPrincipal(), nil
}

func (m *mockAuthService) AssignRole(ctx context.Context, token, role string) (model.PrincipalView, error) {
	if m.assignRoleFn != nil {
		return m.assignRoleFn(ctx, token, role)
	}
	return model.PrincipalView{}, errors.New("not configured")
}

func (m *mockAuthService) Logout(ctx context.Context, token string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, token)
	}
	return nil
}

var _ AuthServiceInterface = (*mockAuthService)(nil)

func testAuthConfig() AuthHandlerConfig {
	return AuthHandlerConfig{
		BaseURL:       "http://localhost:3000",
		SessionMaxAge: 86400,
	}
}

func cookieByName(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func callbackRequest(query, stateCookie string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?"+query, nil)
	if stateCookie != "" {
		req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: stateCookie})
	}
	return req
}

// --- テスト ---

func TestAuthHandler_Login_RedirectsWithStateCookie(t *testing.T) {
	var gotState string
	svc := &mockAuthService{
		getLoginURLFn: func(state string) string {
			gotState = state
			return "https://accounts.google.com/o/oauth2/v2/auth?state=" + state
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	w := httptest.NewRecorder()
	h.Login(w, httptest.NewRequest(http.MethodGet, "/auth/google/login", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	if !strings.HasPrefix(resp.Header.Get("Location"), "https://accounts.google.com/") {
		t.Errorf("Location = %q", resp.Header.Get("Location"))
	}

	c := cookieByName(resp, oauthStateCookie)
	if c == nil {
		t.Fatal("oauth_state cookie not set")
	}
	if c.Value != gotState || len(c.Value) != 32 {
		t.Errorf("state cookie = %q, provider state = %q", c.Value, gotState)
	}
	if !c.HttpOnly {
		t.Error("oauth_state cookie must be HttpOnly")
	}
}

func TestAuthHandler_Callback_Success(t *testing.T) {
	svc := &mockAuthService{
		handleCallbackFn: func(ctx context.Context, code string) (*model.Establishment, error) {
			if code != "auth-code" {
				t.Errorf("code = %q, want auth-code", code)
			}
			return &model.Establishment{
				Principal: model.PrincipalView{ID: "p-1", Role: model.RoleUnassigned},
				Session:   &model.Session{ID: "session-token"},
				Created:   true,
			}, nil
		},
	}
	h := NewAuthHandler(svc, AuthHandlerConfig{
		BaseURL:        "https://app.example.com/",
		CookieSameSite: http.SameSiteNoneMode,
		SessionMaxAge:  3600,
	})

	w := httptest.NewRecorder()
	h.Callback(w, callbackRequest("code=auth-code&state=s1", "s1"))

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "https://app.example.com/oauth-callback" {
		t.Errorf("Location = %q", loc)
	}

	c := cookieByName(resp, middleware.SessionCookieName)
	if c == nil {
		t.Fatal("session cookie not set")
	}
	if c.Value != "session-token" || !c.HttpOnly || c.MaxAge != 3600 || c.Path != "/" {
		t.Errorf("session cookie = %+v", c)
	}
	if c.SameSite != http.SameSiteNoneMode || !c.Secure {
		t.Errorf("SameSite=None cookie must be Secure: %+v", c)
	}
}

func TestAuthHandler_Callback_FailuresRedirectWithError(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		stateCookie string
		callbackErr error
		wantError   string
	}{
		{"state cookieなし", "code=c&state=s1", "", nil, callbackErrInvalidState},
		{"state不一致", "code=c&state=s1", "s2", nil, callbackErrInvalidState},
		{"stateクエリなし", "code=c", "s1", nil, callbackErrInvalidState},
		{"プロバイダーエラーの引き継ぎ", "error=access_denied&state=s1", "s1", nil, "access_denied"},
		{"プロバイダーエラーの正規化", "error=Bad%20Thing%3Cscript%3E&state=s1", "s1", nil, "badthingscript"},
		{"codeなし", "state=s1", "s1", nil, callbackErrMissingCode},
		{"上流障害", "code=c&state=s1", "s1", model.NewUpstreamFailureError("timeout"), callbackErrUpstream},
		{"本人確認失敗", "code=c&state=s1", "s1", model.NewAuthenticationRequiredError(), callbackErrAuthFailed},
		{"内部エラー", "code=c&state=s1", "s1", errors.New("db down"), callbackErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			svc := &mockAuthService{
				handleCallbackFn: func(ctx context.Context, code string) (*model.Establishment, error) {
					called = true
					return nil, tt.callbackErr
				},
			}
			h := NewAuthHandler(svc, testAuthConfig())

			w := httptest.NewRecorder()
			h.Callback(w, callbackRequest(tt.query, tt.stateCookie))

			resp := w.Result()
			if resp.StatusCode != http.StatusTemporaryRedirect {
				t.Fatalf("status = %d, want 307", resp.StatusCode)
			}
			loc, err := url.Parse(resp.Header.Get("Location"))
			if err != nil {
				t.Fatalf("invalid Location: %v", err)
			}
			if loc.Path != "/oauth-callback" {
				t.Errorf("redirect path = %q", loc.Path)
			}
			if got := loc.Query().Get("error"); got != tt.wantError {
				t.Errorf("error = %q, want %q", got, tt.wantError)
			}
			if c := cookieByName(resp, middleware.SessionCookieName); c != nil {
				t.Errorf("session cookie must not be set on failure: %+v", c)
			}
			if tt.callbackErr == nil && called {
				t.Error("HandleCallback must not be called")
			}
		})
	}
}

func TestAuthHandler_Me(t *testing.T) {
	view := model.PrincipalView{ID: "p-1", Email: "a@x.com", DisplayName: "A", Role: model.RoleCandidate}

	tests := []struct {
		name       string
		token      string
		resolved   model.MaybePrincipal
		err        error
		wantStatus int
		wantBody   string
	}{
		{"未認証はnull", "", model.NoPrincipal(), nil, http.StatusOK, `{"principal":null}`},
		{"認証済み", "tok", model.SomePrincipal(view), nil, http.StatusOK,
			`{"principal":{"id":"p-1","email":"a@x.com","displayName":"A","role":"candidate"}}`},
		{"不正な形式のCookieは400", "bad", model.NoPrincipal(), model.NewMalformedCredentialError(), http.StatusBadRequest, ""},
		{"ストア障害は500", "tok", model.NoPrincipal(), errors.New("db down"), http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				whoAmIFn: func(ctx context.Context, token string) (model.MaybePrincipal, error) {
					if token != tt.token {
						t.Errorf("token = %q, want %q", token, tt.token)
					}
					return tt.resolved, tt.err
				},
			}
			h := NewAuthHandler(svc, testAuthConfig())

			req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
			if tt.token != "" {
				req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: tt.token})
			}
			w := httptest.NewRecorder()
			h.Me(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && strings.TrimSpace(w.Body.String()) != tt.wantBody {
				t.Errorf("body = %s, want %s", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestAuthHandler_SetRole(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"成功", `{"role":"candidate"}`, nil, http.StatusOK, ""},
		{"不正なJSON", `{"role":`, nil, http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{"未知のフィールド", `{"role":"candidate","admin":true}`, nil, http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{"不正なロール", `{"role":"admin"}`, model.NewInvalidRoleError("admin"), http.StatusBadRequest, model.ErrCodeInvalidRole},
		{"未認証", `{"role":"candidate"}`, model.NewAuthenticationRequiredError(), http.StatusUnauthorized, model.ErrCodeAuthenticationRequired},
		{"設定済み", `{"role":"company"}`, model.NewRoleAlreadySetError(model.RoleCandidate), http.StatusConflict, model.ErrCodeRoleAlreadySet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				assignRoleFn: func(ctx context.Context, token, role string) (model.PrincipalView, error) {
					if tt.err != nil {
						return model.PrincipalView{}, tt.err
					}
					return model.PrincipalView{ID: "p-1", Role: model.Role(role)}, nil
				},
			}
			h := NewAuthHandler(svc, testAuthConfig())

			req := httptest.NewRequest(http.MethodPost, "/auth/set-role", strings.NewReader(tt.body))
			req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "tok"})
			w := httptest.NewRecorder()
			h.SetRole(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body=%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantCode != "" {
				var body middleware.ErrorResponseBody
				if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if body.Code != tt.wantCode {
					t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
				}
				return
			}

			var resp principalResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Principal == nil || resp.Principal.Role != model.RoleCandidate {
				t.Errorf("principal = %+v", resp.Principal)
			}
		})
	}
}

func TestAuthHandler_Logout_IsIdempotent(t *testing.T) {
	var calls []string
	svc := &mockAuthService{
		logoutFn: func(ctx context.Context, token string) error {
			calls = append(calls, token)
			if len(calls) > 1 {
				return errors.New("already gone")
			}
			return nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
		if i < 2 {
			req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "tok"})
		}
		w := httptest.NewRecorder()
		h.Logout(w, req)

		resp := w.Result()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("call %d: status = %d, want 200", i, resp.StatusCode)
		}
		if strings.TrimSpace(w.Body.String()) != `{"loggedOut":true}` {
			t.Errorf("call %d: body = %s", i, w.Body.String())
		}
		c := cookieByName(resp, middleware.SessionCookieName)
		if c == nil || c.MaxAge >= 0 {
			t.Errorf("call %d: session cookie not cleared: %+v", i, c)
		}
	}

	if len(calls) != 2 {
		t.Errorf("service Logout calls = %d, want 2", len(calls))
	}
}

func TestSanitizeErrorCode(t *testing.T) {
	tests := map[string]string{
		"access_denied":            "access_denied",
		"ACCESS_DENIED":            "access_denied",
		"<>":                       callbackErrUpstream,
		strings.Repeat("a", 100):   strings.Repeat("a", maxProviderErrorCodeSize),
		"interaction_required&x=1": "interaction_requiredx1",
	}
	for in, want := range tests {
		if got := sanitizeErrorCode(in); got != want {
			t.Errorf("sanitizeErrorCode(%q) = %q, want %q", in, got, want)
		}
	}
}
