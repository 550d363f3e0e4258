package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/jeementor/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したprofileリポジトリ。
type PostgresProfileRepo struct {
	db DBTX
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db DBTX) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// profileRow はprofilesテーブルの1行。text[]はpq.StringArrayで受ける。
type profileRow struct {
	ID                   string         `db:"id"`
	FullName             string         `db:"full_name"`
	Email                string         `db:"email"`
	Plan                 string         `db:"plan"`
	AvatarURL            string         `db:"avatar_url"`
	Provider             string         `db:"provider"`
	IsMentor             bool           `db:"is_mentor"`
	MentorSubjects       pq.StringArray `db:"mentor_subjects"`
	MentorSpecialization string         `db:"mentor_specialization"`
	MentorRating         float64        `db:"mentor_rating"`
	MentorExperience     string         `db:"mentor_experience"`
	IsAvailable          bool           `db:"is_available"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

func (r *profileRow) toModel() *model.Profile {
	subjects := []string(r.MentorSubjects)
	if subjects == nil {
		subjects = []string{}
	}
	return &model.Profile{
		ID:        r.ID,
		FullName:  r.FullName,
		Email:     r.Email,
		Plan:      r.Plan,
		AvatarURL: r.AvatarURL,
		Provider:  r.Provider,
		IsMentor:  r.IsMentor,
		Mentor: model.MentorInfo{
			Subjects:       subjects,
			Specialization: r.MentorSpecialization,
			Rating:         r.MentorRating,
			Experience:     r.MentorExperience,
			IsAvailable:    r.IsAvailable,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

const profileColumns = `id, full_name, email, plan, avatar_url, provider, is_mentor,
	mentor_subjects, mentor_specialization, mentor_rating::float8 AS mentor_rating,
	mentor_experience, is_available, created_at, updated_at`

// FindByID は指定IDのprofileを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	var row profileRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`,
		id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	return row.toModel(), nil
}

// Create はprofileを作成する。同じIDが存在する場合はErrDuplicateを返す。
// メンター情報はDBのデフォルト値で作成される。
func (r *PostgresProfileRepo) Create(ctx context.Context, profile *model.Profile) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO profiles (id, full_name, email, plan, avatar_url, provider, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		profile.ID, profile.FullName, profile.Email, profile.Plan,
		profile.AvatarURL, profile.Provider, profile.CreatedAt, profile.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("failed to create profile: %w", ErrDuplicate)
		}
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

// Update はサインイン同期の対象フィールドを更新する。planは更新しない。
func (r *PostgresProfileRepo) Update(ctx context.Context, profile *model.Profile) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE profiles
		 SET full_name = $2, email = $3, avatar_url = $4, provider = $5, updated_at = $6
		 WHERE id = $1`,
		profile.ID, profile.FullName, profile.Email, profile.AvatarURL, profile.Provider, profile.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("profile not found: %s", profile.ID)
	}
	return nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
