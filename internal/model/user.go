// Package model はドメインモデルを定義する。
package model

import "time"

// ログインプロバイダーのタグ。
const (
	ProviderEmail  = "email"
	ProviderGoogle = "google"
)

// Identity は認証プロバイダー側のユーザー記録を表す。
// アプリケーションのProfileはこのIDを弱参照する。
type Identity struct {
	ID               string     `db:"id"`
	Email            string     `db:"email"`
	Name             string     `db:"name"`
	AvatarURL        string     `db:"avatar_url"`
	Provider         string     `db:"provider"`         // 直近のサインインに使われたプロバイダー
	ProviderUserID   string     `db:"provider_user_id"` // Googleのsub。パスワード登録のみの場合は空
	PasswordHash     string     `db:"password_hash"`
	EmailConfirmedAt *time.Time `db:"email_confirmed_at"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// EmailConfirmed はメールアドレスが確認済みかどうかを返す。
func (i *Identity) EmailConfirmed() bool {
	return i.EmailConfirmedAt != nil
}

// Session は認証プロバイダーが発行する期限付きのログインセッションを表す。
// TokenはHTTP Only Cookieで運ばれる不透明な値。
type Session struct {
	Token     string    `db:"id" json:"token"`
	UserID    string    `db:"user_id" json:"user_id"`
	Email     string    `db:"email" json:"email"`
	Provider  string    `db:"provider" json:"provider"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Expired は指定時刻においてセッションが期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// AdminUser は管理者許可リストの1行を表す。
// 行が存在すること自体が管理者権限を意味する。
type AdminUser struct {
	Email     string    `db:"email" json:"email"`
	Role      string    `db:"role" json:"role"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
