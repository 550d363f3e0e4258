// Package role は管理者許可リストに基づく権限判定を提供する。
package role

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/net/idna"

	"github.com/hitoshi/jeementor/internal/metrics"
	"github.com/hitoshi/jeementor/internal/model"
	"github.com/hitoshi/jeementor/internal/repository"
)

// DefaultRole は許可リストの行にroleが入っていない場合に使うロール名。
const DefaultRole = "admin"

// 判定結果のメトリクスラベル。
const (
	ResultGranted = "granted"
	ResultDenied  = "denied"
	ResultInvalid = "invalid"
	ResultError   = "error"
)

// ErrInvalidEmail はメールアドレスとして解釈できない入力を表す。
var ErrInvalidEmail = errors.New("invalid email address")

// NormalizeEmail は照合・保存に使う正規形を返す。
// 前後の空白を除去し、小文字化し、ドメイン部をIDNAのASCII形式に変換する。
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}

	local, domain := email[:at], email[at+1:]
	asciiDomain, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}
	return local + "@" + asciiDomain, nil
}

// Resolver はメールアドレスの管理者権限を判定する。
// 判定はすべて fail closed: 検索エラーや不正な入力は「管理者ではない」として扱う。
type Resolver struct {
	admins  repository.AdminRepository
	metrics metrics.MetricsCollector
}

// NewResolver はResolverを生成する。
func NewResolver(admins repository.AdminRepository, m metrics.MetricsCollector) *Resolver {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Resolver{admins: admins, metrics: m}
}

// IsAdmin はemailが許可リストに存在する場合のみtrueを返す。
func (r *Resolver) IsAdmin(ctx context.Context, email string) bool {
	return r.Role(ctx, email) != ""
}

// Role はemailのロール名を返す。管理者でない場合とエラー時は空文字列を返す。
func (r *Resolver) Role(ctx context.Context, email string) string {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		r.metrics.RecordAdminCheck(ResultInvalid)
		return ""
	}

	entry, err := r.admins.FindByEmail(ctx, normalized)
	if err != nil {
		r.metrics.RecordAdminCheck(ResultError)
		slog.Warn("admin lookup failed; denying",
			slog.String("error", err.Error()),
		)
		return ""
	}
	if entry == nil {
		r.metrics.RecordAdminCheck(ResultDenied)
		return ""
	}

	r.metrics.RecordAdminCheck(ResultGranted)
	if entry.Role == "" {
		return DefaultRole
	}
	return entry.Role
}

// Grant はemailを正規化して許可リストに追加する。既存の場合はroleを更新する。
func (r *Resolver) Grant(ctx context.Context, email, role string) (*model.AdminUser, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, model.NewInvalidRequestError("a valid email address is required")
	}
	if role == "" {
		role = DefaultRole
	}

	admin := &model.AdminUser{Email: normalized, Role: role}
	if err := r.admins.Upsert(ctx, admin); err != nil {
		return nil, err
	}
	slog.Info("admin access granted", slog.String("email", normalized), slog.String("role", role))
	return admin, nil
}

// Revoke はemailを許可リストから削除する。
func (r *Resolver) Revoke(ctx context.Context, email string) error {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return model.NewInvalidRequestError("a valid email address is required")
	}
	if err := r.admins.Delete(ctx, normalized); err != nil {
		return err
	}
	slog.Info("admin access revoked", slog.String("email", normalized))
	return nil
}

// List は許可リストの全エントリを返す。
func (r *Resolver) List(ctx context.Context) ([]*model.AdminUser, error) {
	return r.admins.List(ctx)
}
