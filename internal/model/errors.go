// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, listing, application, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAuthenticationRequired = "AUTHENTICATION_REQUIRED"
	ErrCodeForbiddenRole          = "FORBIDDEN_ROLE"
	ErrCodeRoleAlreadySet         = "ROLE_ALREADY_SET"
	ErrCodeInvalidRole            = "INVALID_ROLE"
	ErrCodeMalformedCredential    = "MALFORMED_CREDENTIAL"
	ErrCodeListingNotFound        = "LISTING_NOT_FOUND"
	ErrCodeDuplicateApplication   = "DUPLICATE_APPLICATION"
	ErrCodeUpstreamFailure        = "UPSTREAM_FAILURE"
	ErrCodeValidationFailed       = "VALIDATION_FAILED"
	ErrCodeInvalidRequest         = "INVALID_REQUEST"
	ErrCodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	ErrCodeApplicationRateLimited = "APPLICATION_RATE_LIMITED"
	ErrCodeCSRFInvalid            = "CSRF_TOKEN_INVALID"
	ErrCodeInternal               = "INTERNAL_ERROR"
)

// HasCode はerrのチェーンに指定コードのAPIErrorが含まれるかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewAuthenticationRequiredError は未認証エラーを生成する。
// セッションが存在しない、期限切れ、またはプロバイダーの検証に失敗した場合に使う。
func NewAuthenticationRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthenticationRequired,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "Googleアカウントでログインしてください。",
	}
}

// NewForbiddenRoleError はロール不一致による認可エラーを生成する。
func NewForbiddenRoleError(role Role) *APIError {
	return &APIError{
		Code:     ErrCodeForbiddenRole,
		Message:  fmt.Sprintf("このロールでは操作できません: %s", role),
		Category: "auth",
		Action:   "この操作に必要なロールのアカウントでログインしてください。",
	}
}

// NewRoleAlreadySetError はロールが既に確定している場合のエラーを生成する。
func NewRoleAlreadySetError(current Role) *APIError {
	return &APIError{
		Code:     ErrCodeRoleAlreadySet,
		Message:  fmt.Sprintf("ロールは既に設定されています: %s", current),
		Category: "auth",
		Action:   "ロールは一度だけ選択できます。変更はできません。",
	}
}

// NewInvalidRoleError は選択できないロールが指定された場合のエラーを生成する。
func NewInvalidRoleError(role string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRole,
		Message:  fmt.Sprintf("無効なロールです: %s", role),
		Category: "validation",
		Action:   "ロールには candidate または company を指定してください。",
	}
}

// NewMalformedCredentialError は形式が不正なセッションクッキーのエラーを生成する。
func NewMalformedCredentialError() *APIError {
	return &APIError{
		Code:     ErrCodeMalformedCredential,
		Message:  "セッション情報の形式が不正です。",
		Category: "validation",
		Action:   "ブラウザのクッキーを削除してから再度ログインしてください。",
	}
}

// NewListingNotFoundError は求人未検出エラーを生成する。
func NewListingNotFoundError(listingID string) *APIError {
	return &APIError{
		Code:     ErrCodeListingNotFound,
		Message:  fmt.Sprintf("指定された求人が見つかりません: %s", listingID),
		Category: "listing",
		Action:   "求人IDを確認してください。",
	}
}

// NewDuplicateApplicationError は同じ求人への重複応募エラーを生成する。
func NewDuplicateApplicationError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateApplication,
		Message:  "この求人には既に応募しています。",
		Category: "application",
		Action:   "応募履歴から該当の応募を確認してください。",
	}
}

// NewUpstreamFailureError は外部IDプロバイダーとの通信失敗エラーを生成する。
func NewUpstreamFailureError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamFailure,
		Message:  fmt.Sprintf("認証プロバイダーとの通信に失敗しました: %s", reason),
		Category: "system",
		Action:   "しばらく待ってから再度ログインしてください。",
	}
}

// NewValidationError は入力値検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("入力内容が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストの形式が不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewCSRFInvalidError はCSRFトークン検証失敗のエラーを生成する。
func NewCSRFInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFInvalid,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewRateLimitedError はAPI全般のレート制限超過エラーを生成する。
func NewRateLimitedError(retryAfterSec int) *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   fmt.Sprintf("%d秒ほど待ってから再度お試しください。", retryAfterSec),
	}
}

// NewApplicationRateLimitedError は応募送信の頻度制限超過エラーを生成する。
func NewApplicationRateLimitedError(retryAfterSec int) *APIError {
	return &APIError{
		Code:     ErrCodeApplicationRateLimited,
		Message:  "短時間に送信できる応募の数を超えました。",
		Category: "application",
		Action:   fmt.Sprintf("%d秒後に再度応募してください。", retryAfterSec),
	}
}
