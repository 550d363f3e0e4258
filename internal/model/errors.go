// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示するメッセージと原因カテゴリ、対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // ユーザーに表示するメッセージ
	Category string // カテゴリ: auth, validation, authorization, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// AsAPIError はエラーチェーンからAPIErrorを取り出す。
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials  = "INVALID_CREDENTIALS"
	ErrCodeEmailNotConfirmed   = "EMAIL_NOT_CONFIRMED"
	ErrCodeEmailTaken          = "EMAIL_ALREADY_REGISTERED"
	ErrCodeUnsupportedProvider = "UNSUPPORTED_PROVIDER"
	ErrCodeOAuthFailed         = "OAUTH_FAILED"
	ErrCodeInvalidToken        = "INVALID_TOKEN"
	ErrCodePasswordMismatch    = "PASSWORD_MISMATCH"
	ErrCodePasswordTooShort    = "PASSWORD_TOO_SHORT"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeUnauthenticated     = "UNAUTHENTICATED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeRecordNotFound      = "RECORD_NOT_FOUND"
	ErrCodeUnknownCollection   = "UNKNOWN_COLLECTION"
	ErrCodeUnknownColumn       = "UNKNOWN_COLUMN"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// MinPasswordLength はサインアップ時のパスワード最小文字数。
const MinPasswordLength = 6

// NewInvalidCredentialsError はメールアドレスまたはパスワード不一致のエラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Invalid login credentials",
		Category: "auth",
		Action:   "Check your email and password and try again.",
	}
}

// NewEmailNotConfirmedError はメール未確認のままサインインしようとした場合のエラーを生成する。
func NewEmailNotConfirmedError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailNotConfirmed,
		Message:  "Email not confirmed",
		Category: "auth",
		Action:   "Please check your email to confirm your account.",
	}
}

// NewEmailTakenError は登録済みメールアドレスでのサインアップエラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "User already registered",
		Category: "auth",
		Action:   "Sign in instead, or use a different email address.",
	}
}

// NewUnsupportedProviderError は未対応のOAuthプロバイダー指定エラーを生成する。
func NewUnsupportedProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedProvider,
		Message:  fmt.Sprintf("Unsupported provider: %s", provider),
		Category: "auth",
		Action:   "Sign in with Google or with your email and password.",
	}
}

// NewOAuthFailedError はOAuthフローの失敗エラーを生成する。
func NewOAuthFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeOAuthFailed,
		Message:  "Authentication failed. Please try again.",
		Category: "auth",
		Action:   "Start the sign-in again.",
	}
}

// NewInvalidTokenError は無効または期限切れのトークンエラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "Token has expired or is invalid",
		Category: "auth",
		Action:   "Request a new link and try again.",
	}
}

// NewPasswordMismatchError はパスワード確認欄の不一致エラーを生成する。
func NewPasswordMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodePasswordMismatch,
		Message:  "Passwords do not match",
		Category: "validation",
		Action:   "Enter the same password in both fields.",
	}
}

// NewPasswordTooShortError はパスワード長不足のエラーを生成する。
func NewPasswordTooShortError() *APIError {
	return &APIError{
		Code:     ErrCodePasswordTooShort,
		Message:  fmt.Sprintf("Password must be at least %d characters long", MinPasswordLength),
		Category: "validation",
		Action:   "Choose a longer password.",
	}
}

// NewInvalidRequestError はリクエスト内容の検証エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  reason,
		Category: "validation",
		Action:   "Correct the highlighted fields and submit again.",
	}
}

// NewUnauthenticatedError は未ログインでの保護リソースアクセスエラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "You need to sign in to continue.",
		Category: "authorization",
		Action:   "Sign in and try again.",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "You don't have permission to access this page.",
		Category: "authorization",
		Action:   "Contact an administrator if you believe this is a mistake.",
	}
}

// NewRecordNotFoundError はレコード未検出エラーを生成する。
func NewRecordNotFoundError(collection, id string) *APIError {
	return &APIError{
		Code:     ErrCodeRecordNotFound,
		Message:  fmt.Sprintf("%s record not found: %s", collection, id),
		Category: "validation",
		Action:   "Refresh the list and try again.",
	}
}

// NewUnknownCollectionError は未定義のコレクション指定エラーを生成する。
func NewUnknownCollectionError(collection string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownCollection,
		Message:  fmt.Sprintf("Unknown collection: %s", collection),
		Category: "validation",
		Action:   "Use one of the documented collections.",
	}
}

// NewUnknownColumnError は未定義のカラム指定エラーを生成する。
func NewUnknownColumnError(collection, column string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownColumn,
		Message:  fmt.Sprintf("Unknown field %q for %s", column, collection),
		Category: "validation",
		Action:   "Remove the field and submit again.",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "An unexpected error occurred. Please try again.",
		Category: "system",
		Action:   "Wait a moment and try again.",
	}
}
