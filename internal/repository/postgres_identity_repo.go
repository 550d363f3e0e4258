package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/jeementor/internal/model"
)

// PostgresIdentityRepo はPostgreSQLを使用したidentityリポジトリ。
type PostgresIdentityRepo struct {
	db DBTX
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db DBTX) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

const identityColumns = `id, email, name, avatar_url, provider,
	COALESCE(provider_user_id, '') AS provider_user_id,
	password_hash, email_confirmed_at, created_at, updated_at`

// findOne は条件に一致するidentityを1件取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) findOne(ctx context.Context, where string, arg any) (*model.Identity, error) {
	var identity model.Identity
	err := r.db.GetContext(ctx, &identity,
		`SELECT `+identityColumns+` FROM identities WHERE `+where,
		arg,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// FindByID は指定IDのidentityを取得する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByID(ctx context.Context, id string) (*model.Identity, error) {
	identity, err := r.findOne(ctx, "id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity by ID: %w", err)
	}
	return identity, nil
}

// FindByEmail はemailでidentityを検索する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByEmail(ctx context.Context, email string) (*model.Identity, error) {
	identity, err := r.findOne(ctx, "email = $1", email)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity by email: %w", err)
	}
	return identity, nil
}

// FindByProviderUserID はGoogleのsubでidentityを検索する。見つからない場合はnilを返す。
func (r *PostgresIdentityRepo) FindByProviderUserID(ctx context.Context, providerUserID string) (*model.Identity, error) {
	identity, err := r.findOne(ctx, "provider_user_id = $1", providerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity by provider user ID: %w", err)
	}
	return identity, nil
}

// Create はidentityを作成する。IDが空の場合はDBが採番し、作成日時は常にDBが埋める。
// emailが重複する場合はErrDuplicateを返す。
func (r *PostgresIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	err := r.db.GetContext(ctx, identity,
		`INSERT INTO identities (id, email, name, avatar_url, provider, provider_user_id, password_hash, email_confirmed_at)
		 VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		 RETURNING `+identityColumns,
		identity.ID, identity.Email, identity.Name, identity.AvatarURL, identity.Provider,
		identity.ProviderUserID, identity.PasswordHash, identity.EmailConfirmedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("failed to create identity: %w", ErrDuplicate)
		}
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

// Update はname, avatar_url, provider, provider_user_idを更新する。
// Googleで確認済みのメールアドレスを持つ場合はemail_confirmed_atも埋める。
func (r *PostgresIdentityRepo) Update(ctx context.Context, identity *model.Identity) error {
	err := r.db.GetContext(ctx, &identity.UpdatedAt,
		`UPDATE identities
		 SET name = $2, avatar_url = $3, provider = $4,
		     provider_user_id = COALESCE(NULLIF($5, ''), provider_user_id),
		     email_confirmed_at = COALESCE(email_confirmed_at, $6),
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING updated_at`,
		identity.ID, identity.Name, identity.AvatarURL, identity.Provider,
		identity.ProviderUserID, identity.EmailConfirmedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("identity not found: %s", identity.ID)
	}
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("failed to update identity: %w", ErrDuplicate)
		}
		return fmt.Errorf("failed to update identity: %w", err)
	}
	return nil
}

// SetConfirmationToken はメール確認トークンのハッシュを保存する。
func (r *PostgresIdentityRepo) SetConfirmationToken(ctx context.Context, id, tokenHash string, sentAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE identities
		 SET confirmation_token_hash = $2, confirmation_sent_at = $3
		 WHERE id = $1`,
		id, tokenHash, sentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set confirmation token: %w", err)
	}
	return nil
}

// ConfirmByTokenHash はトークンハッシュに一致するidentityを確認済みにする。
// トークンは1回限り有効で、使用時に消去される。
func (r *PostgresIdentityRepo) ConfirmByTokenHash(ctx context.Context, tokenHash string, maxAge time.Duration) (*model.Identity, error) {
	var identity model.Identity
	err := r.db.GetContext(ctx, &identity,
		`UPDATE identities
		 SET email_confirmed_at = COALESCE(email_confirmed_at, NOW()),
		     confirmation_token_hash = NULL,
		     confirmation_sent_at = NULL,
		     updated_at = NOW()
		 WHERE confirmation_token_hash = $1
		   AND confirmation_sent_at > NOW() - make_interval(secs => $2)
		 RETURNING `+identityColumns,
		tokenHash, maxAge.Seconds(),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to confirm identity: %w", err)
	}
	return &identity, nil
}

// DeleteStaleConfirmationTokens はmaxAgeより古い未使用の確認トークンを無効化し、件数を返す。
func (r *PostgresIdentityRepo) DeleteStaleConfirmationTokens(ctx context.Context, maxAge time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE identities
		 SET confirmation_token_hash = NULL, confirmation_sent_at = NULL
		 WHERE confirmation_token_hash IS NOT NULL
		   AND confirmation_sent_at <= NOW() - make_interval(secs => $1)`,
		maxAge.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale confirmation tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
