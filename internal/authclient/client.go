// Package authclient はbachecaの認証APIを呼び出すクライアントと、
// クライアント側の認証状態を管理するステートマシンを提供する。
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/hitoshi/bacheca/internal/model"
)

const (
	csrfCookieName = "csrf_token"
	csrfHeaderName = "X-CSRF-Token"

	defaultTimeout = 15 * time.Second
	// maxResponseBytes はAPIレスポンスとして読み取る上限。
	maxResponseBytes = 1 << 20
)

// ClientConfig はAPIClientの設定。
type ClientConfig struct {
	BaseURL string        // APIサーバーのオリジン（例: https://api.example.com）
	Timeout time.Duration // 1リクエストあたりのタイムアウト
	// Transport はテスト用に差し替え可能。nilの場合はhttp.DefaultTransport。
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// APIClient は認証・応募APIのHTTPクライアント。
// セッションCookieはCookieJarに閉じ込め、呼び出し元に生のトークンを公開しない。
type APIClient struct {
	baseURL    *url.URL
	httpClient *http.Client
	jar        http.CookieJar
	logger     *slog.Logger
}

// NewAPIClient はAPIClientを生成する。
func NewAPIClient(config ClientConfig) (*APIClient, error) {
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("BaseURLのパースに失敗しました: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("BaseURLのスキームが不正です: %q", base.Scheme)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("CookieJarの生成に失敗しました: %w", err)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &APIClient{
		baseURL: base,
		httpClient: &http.Client{
			Jar:       jar,
			Timeout:   timeout,
			Transport: config.Transport,
			// ログインフローのリダイレクト先を呼び出し元で扱うため追従しない
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		jar:    jar,
		logger: logger,
	}, nil
}

// BeginLogin はログインを開始し、ブラウザを遷移させるプロバイダーの認可URLを返す。
// stateのCookieはJarに保持される。
func (c *APIClient) BeginLogin(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/auth/google/login", nil)
	if err != nil {
		return "", err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusTemporaryRedirect && resp.StatusCode != http.StatusFound {
		return "", c.decodeError(resp)
	}
	return resp.Header.Get("Location"), nil
}

// CompleteLogin はプロバイダーから戻ったコールバックURLをAPIに渡し、
// 完了ルートへのリダイレクトに付与されたエラーコードを返す。成功時は空文字。
func (c *APIClient) CompleteLogin(ctx context.Context, callbackURL string) (string, error) {
	target, err := url.Parse(callbackURL)
	if err != nil {
		return "", fmt.Errorf("コールバックURLのパースに失敗しました: %w", err)
	}
	if target.Host != c.baseURL.Host {
		return "", fmt.Errorf("コールバックURLのホストが一致しません: %q", target.Host)
	}

	resp, err := c.do(ctx, http.MethodGet, target.RequestURI(), nil)
	if err != nil {
		return "", err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusTemporaryRedirect && resp.StatusCode != http.StatusFound {
		return "", c.decodeError(resp)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		return "", fmt.Errorf("リダイレクト先のパースに失敗しました: %w", err)
	}
	return loc.Query().Get("error"), nil
}

type principalEnvelope struct {
	Principal *model.PrincipalView `json:"principal"`
}

// WhoAmI は現在の主体を返す。未認証の場合は値なし。
func (c *APIClient) WhoAmI(ctx context.Context) (model.MaybePrincipal, error) {
	var env principalEnvelope
	if err := c.callJSON(ctx, http.MethodGet, "/auth/me", nil, http.StatusOK, &env); err != nil {
		return model.NoPrincipal(), err
	}
	if env.Principal == nil {
		return model.NoPrincipal(), nil
	}
	return model.SomePrincipal(*env.Principal), nil
}

// SetRole はロールを選択する。成功時は更新後の主体を返す。
func (c *APIClient) SetRole(ctx context.Context, role model.Role) (model.PrincipalView, error) {
	var env principalEnvelope
	body := map[string]string{"role": string(role)}
	if err := c.callJSON(ctx, http.MethodPost, "/auth/set-role", body, http.StatusOK, &env); err != nil {
		return model.PrincipalView{}, err
	}
	if env.Principal == nil {
		return model.PrincipalView{}, errors.New("set-roleのレスポンスにprincipalがありません")
	}
	return *env.Principal, nil
}

// Logout はセッションを破棄する。
func (c *APIClient) Logout(ctx context.Context) error {
	return c.callJSON(ctx, http.MethodPost, "/auth/logout", nil, http.StatusOK, nil)
}

// ListingInput は求人掲載の入力。
type ListingInput struct {
	Title       string `json:"title"`
	CompanyName string `json:"companyName"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

type listingWire struct {
	ID          string    `json:"id"`
	CompanyID   string    `json:"companyId"`
	Title       string    `json:"title"`
	CompanyName string    `json:"companyName"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	PublishedAt time.Time `json:"publishedAt"`
}

func (w listingWire) toModel() *model.Listing {
	return &model.Listing{
		ID:          w.ID,
		CompanyID:   w.CompanyID,
		Title:       w.Title,
		CompanyName: w.CompanyName,
		Description: w.Description,
		Location:    w.Location,
		PublishedAt: w.PublishedAt,
	}
}

// CreateListing は求人を掲載する。companyロールが必要。
func (c *APIClient) CreateListing(ctx context.Context, in ListingInput) (*model.Listing, error) {
	var out listingWire
	if err := c.callJSON(ctx, http.MethodPost, "/api/listings", in, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return out.toModel(), nil
}

// ListListings は公開中の求人一覧を返す。
func (c *APIClient) ListListings(ctx context.Context) ([]*model.Listing, error) {
	var out []listingWire
	if err := c.callJSON(ctx, http.MethodGet, "/api/listings", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	listings := make([]*model.Listing, len(out))
	for i, w := range out {
		listings[i] = w.toModel()
	}
	return listings, nil
}

type applicationWire struct {
	ID             string    `json:"id"`
	ListingID      string    `json:"listingId"`
	PrincipalID    string    `json:"principalId"`
	CandidateEmail string    `json:"candidateEmail"`
	Description    string    `json:"description"`
	SubmittedAt    time.Time `json:"submittedAt"`
}

// SubmitApplication は求人に応募する。candidateロールが必要。
func (c *APIClient) SubmitApplication(ctx context.Context, listingID, description string) (*model.Application, error) {
	body := map[string]string{"listingId": listingID, "description": description}
	var out applicationWire
	if err := c.callJSON(ctx, http.MethodPost, "/api/applications", body, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return &model.Application{
		ID:             out.ID,
		ListingID:      out.ListingID,
		PrincipalID:    out.PrincipalID,
		CandidateEmail: out.CandidateEmail,
		Description:    out.Description,
		SubmittedAt:    out.SubmittedAt,
	}, nil
}

// callJSON はJSONリクエストを送り、wantStatusの場合のみレスポンスをoutにデコードする。
// それ以外のステータスは*model.APIErrorとして返す。
func (c *APIClient) callJSON(ctx context.Context, method, path string, in any, wantStatus int, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("リクエストJSONの生成に失敗しました: %w", err)
		}
		body = bytes.NewReader(b)
	}

	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode != wantStatus {
		return c.decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

func (c *APIClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if !isSafeMethod(method) {
		token, err := c.csrfToken(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set(csrfHeaderName, token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("APIの呼び出しに失敗しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return resp, nil
}

// csrfToken はJarのCSRFトークンCookieを返す。未取得の場合はAPIから取得する。
func (c *APIClient) csrfToken(ctx context.Context) (string, error) {
	for _, ck := range c.jar.Cookies(c.baseURL) {
		if ck.Name == csrfCookieName && ck.Value != "" {
			return ck.Value, nil
		}
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := c.callJSON(ctx, http.MethodGet, "/auth/csrf-token", nil, http.StatusOK, &out); err != nil {
		return "", fmt.Errorf("CSRFトークンの取得に失敗しました: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("CSRFトークンが空です")
	}
	return out.Token, nil
}

// decodeError は統一エラーフォーマットのレスポンスを*model.APIErrorに変換する。
func (c *APIClient) decodeError(resp *http.Response) error {
	var body struct {
		Code     string `json:"code"`
		Message  string `json:"message"`
		Category string `json:"category"`
		Action   string `json:"action"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil || body.Code == "" {
		return fmt.Errorf("APIがステータス %d を返しました", resp.StatusCode)
	}
	return &model.APIError{
		Code:     body.Code,
		Message:  body.Message,
		Category: body.Category,
		Action:   body.Action,
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
}
