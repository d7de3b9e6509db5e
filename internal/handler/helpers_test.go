package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/bacheca/internal/middleware"
	"github.com/hitoshi/bacheca/internal/model"
)

var (
	testCompany   = model.PrincipalView{ID: "p-company", Email: "hr@corp.example", Role: model.RoleCompany}
	testCandidate = model.PrincipalView{ID: "p-candidate", Email: "a@x.com", Role: model.RoleCandidate}
)

// newAuthorizedRequest はAuthorizer通過後と同じ主体情報を持つリクエストを生成する。
func newAuthorizedRequest(method, target, body string, principal model.PrincipalView, params map[string]string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	ctx := middleware.ContextWithRequestContext(req.Context(), middleware.RequestContext{
		Principal:    principal,
		SessionToken: "tok",
	})
	if len(params) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range params {
			rctx.URLParams.Add(k, v)
		}
		ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	}
	return req.WithContext(ctx)
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v (raw=%s)", err, w.Body.String())
	}
	return body
}
