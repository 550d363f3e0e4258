// Package profile はサインイン時に認証側のIdentityとアプリケーション側のProfileを同期する。
package profile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/jeementor/internal/metrics"
	"github.com/hitoshi/jeementor/internal/model"
	"github.com/hitoshi/jeementor/internal/repository"
	"github.com/hitoshi/jeementor/internal/role"
	"github.com/hitoshi/jeementor/internal/security"
	"github.com/hitoshi/jeementor/internal/session"
)

// 同期結果のメトリクスラベル。
const (
	ResultCreated   = "created"
	ResultUpdated   = "updated"
	ResultUnchanged = "unchanged"
	ResultError     = "error"
)

// IdentityFinder はIDでIdentityを取得する。
type IdentityFinder interface {
	FindByID(ctx context.Context, id string) (*model.Identity, error)
}

// Synchronizer はIdentityを正としてProfileを作成・更新する。
// データストアのエラーはログに記録して握りつぶし、サインインを妨げない。
type Synchronizer struct {
	profiles   repository.ProfileRepository
	identities IdentityFinder
	sanitizer  *security.Sanitizer
	metrics    metrics.MetricsCollector
	now        func() time.Time
	timeout    time.Duration
}

// NewSynchronizer はSynchronizerを生成する。
func NewSynchronizer(
	profiles repository.ProfileRepository,
	identities IdentityFinder,
	sanitizer *security.Sanitizer,
	m metrics.MetricsCollector,
) *Synchronizer {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Synchronizer{
		profiles:   profiles,
		identities: identities,
		sanitizer:  sanitizer,
		metrics:    m,
		now:        time.Now,
		timeout:    10 * time.Second,
	}
}

// Reconcile はIdentityに対応するProfileを作成または更新し、保存後のProfileを返す。
// 失敗した場合はnilを返す（呼び出し側は「プロフィール未読込」として扱う）。
//
// 処理フロー:
//  1. IDでProfileを検索
//  2. 存在しなければ作成（表示名がなければメールのローカル部、プランはBasic Plan）
//  3. 存在すれば同期対象フィールドのみ更新（planは変更しない）
//  4. 変化がなければ書き込まない
func (s *Synchronizer) Reconcile(ctx context.Context, identity *model.Identity) *model.Profile {
	if identity == nil || identity.ID == "" {
		return nil
	}
	desired := s.fromIdentity(identity)

	// 1. 既存Profileを検索
	existing, err := s.profiles.FindByID(ctx, identity.ID)
	if err != nil {
		s.fail("failed to load profile", identity.ID, err)
		return nil
	}

	// 2. 初回サインイン: 作成
	if existing == nil {
		created, err := s.create(ctx, desired)
		if err == nil {
			s.metrics.RecordProfileReconcile(ResultCreated)
			slog.Info("profile created",
				slog.String("user_id", created.ID),
				slog.String("provider", created.Provider),
			)
			return created
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			s.fail("failed to create profile", identity.ID, err)
			return nil
		}

		// 並行した同期処理が先に作成した: 更新として続行する
		existing, err = s.profiles.FindByID(ctx, identity.ID)
		if err != nil || existing == nil {
			s.fail("failed to reload profile after duplicate insert", identity.ID, err)
			return nil
		}
	}

	// 3. 既存Profileの同期対象フィールドを更新
	updated := *existing
	if desired.FullName != "" {
		updated.FullName = desired.FullName
	}
	if desired.AvatarURL != "" {
		updated.AvatarURL = desired.AvatarURL
	}
	if updated.FullName == "" {
		updated.FullName = localPart(desired.Email)
	}
	updated.Email = desired.Email
	updated.Provider = desired.Provider

	// 4. 変化がなければ書き込まない
	if existing.SameSyncedFields(&updated) {
		s.metrics.RecordProfileReconcile(ResultUnchanged)
		return existing
	}

	now := s.now()
	if now.Before(existing.UpdatedAt) {
		now = existing.UpdatedAt
	}
	updated.UpdatedAt = now

	if err := s.profiles.Update(ctx, &updated); err != nil {
		s.fail("failed to update profile", identity.ID, err)
		return nil
	}
	s.metrics.RecordProfileReconcile(ResultUpdated)
	return &updated
}

// create は初回サインイン時のProfileを作成する。
func (s *Synchronizer) create(ctx context.Context, desired *model.Profile) (*model.Profile, error) {
	now := s.now()
	p := *desired
	if p.FullName == "" {
		p.FullName = localPart(p.Email)
	}
	p.Plan = model.DefaultPlan
	p.Mentor = model.MentorInfo{Subjects: []string{}, IsAvailable: true}
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := s.profiles.Create(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// fromIdentity はIdentityから同期対象フィールドを取り出し、無害化する。
func (s *Synchronizer) fromIdentity(identity *model.Identity) *model.Profile {
	provider := identity.Provider
	if provider == "" {
		provider = model.ProviderEmail
	}
	email, err := role.NormalizeEmail(identity.Email)
	if err != nil {
		email = strings.ToLower(strings.TrimSpace(identity.Email))
	}
	return &model.Profile{
		ID:        identity.ID,
		FullName:  s.sanitizer.Text(identity.Name),
		Email:     email,
		AvatarURL: s.sanitizer.URL(identity.AvatarURL),
		Provider:  provider,
	}
}

// Load は保存済みのProfileを返す。存在しない場合やエラー時はnilを返す。
func (s *Synchronizer) Load(ctx context.Context, userID string) *model.Profile {
	p, err := s.profiles.FindByID(ctx, userID)
	if err != nil {
		slog.Warn("failed to load profile",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return p
}

// Ensure はセッションのユーザーのProfileを返す。
// サインインイベントの非同期処理がまだ終わっていない場合は、その場で同期する。
func (s *Synchronizer) Ensure(ctx context.Context, sess *model.Session) *model.Profile {
	if sess == nil {
		return nil
	}
	if p := s.Load(ctx, sess.UserID); p != nil {
		return p
	}

	identity, err := s.identities.FindByID(ctx, sess.UserID)
	if err != nil {
		s.fail("failed to load identity", sess.UserID, err)
		return nil
	}
	if identity == nil {
		return nil
	}
	identity.Provider = sess.Provider
	return s.Reconcile(ctx, identity)
}

// HandleSessionEvent はSessionStoreの購読ハンドラ。SIGNED_INでのみ同期する。
func (s *Synchronizer) HandleSessionEvent(ev session.Event) {
	if ev.Type != session.EventSignedIn || ev.Identity == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.Reconcile(ctx, ev.Identity)
}

func (s *Synchronizer) fail(msg, userID string, err error) {
	s.metrics.RecordProfileReconcile(ResultError)
	attrs := []any{slog.String("user_id", userID)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	slog.Error(msg, attrs...)
}

// localPart はメールアドレスの@より前を返す。
func localPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
