// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/jeementor/internal/model"
)

// ErrDuplicate は一意制約違反を表す。
var ErrDuplicate = errors.New("duplicate key")

// IdentityRepository は認証プロバイダー側のユーザー記録の永続化インターフェース。
// emailは呼び出し側で正規化済みであることを前提とする。
type IdentityRepository interface {
	// FindByID は指定IDのidentityを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Identity, error)

	// FindByEmail はemailでidentityを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Identity, error)

	// FindByProviderUserID はGoogleのsubでidentityを検索する。見つからない場合はnilを返す。
	FindByProviderUserID(ctx context.Context, providerUserID string) (*model.Identity, error)

	// Create はidentityを作成する。emailが重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, identity *model.Identity) error

	// Update はname, avatar_url, provider, provider_user_idを更新する。
	Update(ctx context.Context, identity *model.Identity) error

	// SetConfirmationToken はメール確認トークンのハッシュを保存する。
	SetConfirmationToken(ctx context.Context, id, tokenHash string, sentAt time.Time) error

	// ConfirmByTokenHash はトークンハッシュに一致するidentityを確認済みにする。
	// 一致するものがない、または有効期限（maxAge）を過ぎている場合はnilを返す。
	ConfirmByTokenHash(ctx context.Context, tokenHash string, maxAge time.Duration) (*model.Identity, error)

	// DeleteStaleConfirmationTokens はmaxAgeより古い未使用の確認トークンを無効化し、件数を返す。
	DeleteStaleConfirmationTokens(ctx context.Context, maxAge time.Duration) (int64, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Extend は有効期限を延長する。セッションが存在しない場合はnilを返す。
	Extend(ctx context.Context, id string, expiresAt time.Time) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpired は期限切れセッションを削除し、件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// ProfileRepository はアプリケーション側のユーザー記録の永続化インターフェース。
type ProfileRepository interface {
	// FindByID は指定IDのprofileを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)

	// Create はprofileを作成する。同じIDが存在する場合はErrDuplicateを返す。
	Create(ctx context.Context, profile *model.Profile) error

	// Update はサインイン同期の対象フィールド（full_name, email, avatar_url, provider）を更新する。
	// planは更新しない。
	Update(ctx context.Context, profile *model.Profile) error
}

// AdminRepository は管理者許可リストの永続化インターフェース。
// emailは呼び出し側で正規化済みであることを前提とする。
type AdminRepository interface {
	// FindByEmail は完全一致でエントリを取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.AdminUser, error)
	// Upsert はエントリを作成または更新する。
	Upsert(ctx context.Context, admin *model.AdminUser) error
	// Delete はエントリを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, email string) error
	// List は全エントリを作成日時順に返す。
	List(ctx context.Context) ([]*model.AdminUser, error)
}

// RecordStore は名前付きコレクションに対する汎用CRUDインターフェース。
// 予約・講座・ウェビナーなどの管理画面はこのインターフェースのみを使う。
type RecordStore interface {
	// List は条件に一致するレコードを返す。
	List(ctx context.Context, collection string, q Query) ([]model.Record, error)
	// Get は指定IDのレコードを返す。見つからない場合はnilを返す。
	Get(ctx context.Context, collection, id string) (model.Record, error)
	// Create はレコードを作成し、作成後の行を返す。
	Create(ctx context.Context, collection string, values model.Record) (model.Record, error)
	// Update は指定IDのレコードを更新し、更新後の行を返す。見つからない場合はnilを返す。
	Update(ctx context.Context, collection, id string, values model.Record) (model.Record, error)
	// Delete は指定IDのレコードを削除する。削除した場合はtrueを返す。
	Delete(ctx context.Context, collection, id string) (bool, error)
	// Count は条件に一致するレコード数を返す。
	Count(ctx context.Context, collection string, filters ...Filter) (int64, error)
	// Sum は条件に一致するレコードの数値カラムの合計を返す。
	Sum(ctx context.Context, collection, column string, filters ...Filter) (float64, error)
}
