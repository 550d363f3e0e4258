package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/jeementor/internal/model"
)

// PostgresAdminRepo はPostgreSQLを使用した管理者許可リストのリポジトリ。
type PostgresAdminRepo struct {
	db DBTX
}

// NewPostgresAdminRepo はPostgresAdminRepoを生成する。
func NewPostgresAdminRepo(db DBTX) *PostgresAdminRepo {
	return &PostgresAdminRepo{db: db}
}

// FindByEmail は完全一致でエントリを取得する。見つからない場合はnilを返す。
func (r *PostgresAdminRepo) FindByEmail(ctx context.Context, email string) (*model.AdminUser, error) {
	var admin model.AdminUser
	err := r.db.GetContext(ctx, &admin,
		`SELECT email, role, created_at FROM admin_users WHERE email = $1`,
		email,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find admin user: %w", err)
	}
	return &admin, nil
}

// Upsert はエントリを作成し、既存の場合はroleを更新する。
func (r *PostgresAdminRepo) Upsert(ctx context.Context, admin *model.AdminUser) error {
	err := r.db.GetContext(ctx, &admin.CreatedAt,
		`INSERT INTO admin_users (email, role) VALUES ($1, $2)
		 ON CONFLICT (email) DO UPDATE SET role = EXCLUDED.role
		 RETURNING created_at`,
		admin.Email, admin.Role,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert admin user: %w", err)
	}
	return nil
}

// Delete はエントリを削除する。存在しない場合もエラーにしない。
func (r *PostgresAdminRepo) Delete(ctx context.Context, email string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM admin_users WHERE email = $1`,
		email,
	)
	if err != nil {
		return fmt.Errorf("failed to delete admin user: %w", err)
	}
	return nil
}

// List は全エントリを作成日時順に返す。
func (r *PostgresAdminRepo) List(ctx context.Context) ([]*model.AdminUser, error) {
	var admins []*model.AdminUser
	err := r.db.SelectContext(ctx, &admins,
		`SELECT email, role, created_at FROM admin_users ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list admin users: %w", err)
	}
	return admins, nil
}

// compile-time interface check
var _ AdminRepository = (*PostgresAdminRepo)(nil)
