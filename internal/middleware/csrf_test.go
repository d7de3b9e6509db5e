package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestCSRFMiddleware_SafeMethods_PassThroughWithoutToken(t *testing.T) {
	mw := NewCSRFMiddleware(CSRFConfig{})

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			w := httptest.NewRecorder()
			mw(okHandler()).ServeHTTP(w, httptest.NewRequest(method, "/api/listings", nil))
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}

func TestCSRFMiddleware_StateMutatingMethods(t *testing.T) {
	mw := NewCSRFMiddleware(CSRFConfig{})

	tests := []struct {
		name       string
		method     string
		cookie     string
		header     string
		wantStatus int
	}{
		{"POST トークンなし", http.MethodPost, "", "", http.StatusForbidden},
		{"POST ヘッダーなし", http.MethodPost, "token-abc", "", http.StatusForbidden},
		{"POST Cookieなし", http.MethodPost, "", "token-abc", http.StatusForbidden},
		{"POST 不一致", http.MethodPost, "token-abc", "wrong-token", http.StatusForbidden},
		{"POST 一致", http.MethodPost, "valid-token", "valid-token", http.StatusOK},
		{"DELETE トークンなし", http.MethodDelete, "", "", http.StatusForbidden},
		{"DELETE 一致", http.MethodDelete, "valid-token", "valid-token", http.StatusOK},
		{"PUT トークンなし", http.MethodPut, "", "", http.StatusForbidden},
		{"PATCH トークンなし", http.MethodPatch, "", "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/applications", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(CSRFHeaderName, tt.header)
			}
			w := httptest.NewRecorder()

			mw(okHandler()).ServeHTTP(w, req)

			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusForbidden {
				var body ErrorResponseBody
				require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
				assert.Equal(t, "CSRF_TOKEN_INVALID", body.Code)
			}
		})
	}
}

func TestCSRFMiddleware_GET_SetsCookieOnce(t *testing.T) {
	mw := NewCSRFMiddleware(CSRFConfig{CookieSecure: true})

	w := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	c := findCookie(w.Result(), csrfCookieName)
	require.NotNil(t, c)
	assert.Len(t, c.Value, 64)
	assert.False(t, c.HttpOnly, "CSRF cookie must be readable by scripts")
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing-token"})
	w = httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(w, req)

	assert.Nil(t, findCookie(w.Result(), csrfCookieName))
}

func TestNewCSRFCookie_SameSiteNoneForcesSecure(t *testing.T) {
	c := newCSRFCookie("tok", CSRFConfig{CookieSameSite: http.SameSiteNoneMode})

	assert.Equal(t, http.SameSiteNoneMode, c.SameSite)
	assert.True(t, c.Secure)
}

func TestCSRFTokenHandler(t *testing.T) {
	handler := NewCSRFTokenHandler(CSRFConfig{})

	t.Run("新規発行", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/csrf-token", nil))

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))

		c := findCookie(w.Result(), csrfCookieName)
		require.NotNil(t, c)
		assert.Equal(t, c.Value, body["token"])
	})

	t.Run("既存Cookieを返す", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/auth/csrf-token", nil)
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing-csrf-token"})
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		var body map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, "existing-csrf-token", body["token"])
		assert.Nil(t, findCookie(w.Result(), csrfCookieName))
	})
}
