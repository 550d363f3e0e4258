// Package auth はパスワード・OAuthによるサインイン、サインアップ、セッション発行を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/jeementor/internal/metrics"
	"github.com/hitoshi/jeementor/internal/model"
	"github.com/hitoshi/jeementor/internal/repository"
	"github.com/hitoshi/jeementor/internal/role"
	"github.com/hitoshi/jeementor/internal/session"
)

// ConfirmationMaxAge はメール確認トークンの有効期間。
const ConfirmationMaxAge = 24 * time.Hour

// サインイン結果のメトリクスラベル。
const (
	resultSuccess     = "success"
	resultDenied      = "denied"
	resultUnconfirmed = "unconfirmed"
	resultError       = "error"
)

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	AvatarURL      string
	Provider       string
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// Name はプロバイダータグ（"google"など）を返す。
	Name() string
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// Notifier はセッション変化イベントを発行する。session.Storeが実装する。
type Notifier interface {
	Publish(ctx context.Context, ev session.Event)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge            time.Duration
	RequireEmailConfirmation bool
	// BaseURL は確認メールのリンクに使う公開URL
	BaseURL string
	// StateSecret はOAuthのstate署名に使う鍵
	StateSecret string
}

// SignUpOptions はサインアップ時の付帯情報。
type SignUpOptions struct {
	FullName string
	// EmailRedirectTo は確認リンクの遷移先。空の場合は BaseURL + /auth/callback
	EmailRedirectTo string
}

// SignUpResult はサインアップの結果。
// メール確認が必要な場合、Sessionはnilになる。
type SignUpResult struct {
	Identity             *model.Identity
	Session              *model.Session
	ConfirmationRequired bool
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	identities repository.IdentityRepository
	sessions   repository.SessionRepository
	providers  map[string]OAuthProvider
	notifier   Notifier
	mailer     Mailer
	metrics    metrics.MetricsCollector
	state      *stateSigner
	config     ServiceConfig

	now        func() time.Time
	bcryptCost int
}

// NewService はServiceを生成する。
func NewService(
	identities repository.IdentityRepository,
	sessions repository.SessionRepository,
	notifier Notifier,
	mailer Mailer,
	m metrics.MetricsCollector,
	config ServiceConfig,
	providers ...OAuthProvider,
) *Service {
	if mailer == nil {
		mailer = LogMailer{}
	}
	if m == nil {
		m = metrics.Noop{}
	}
	s := &Service{
		identities: identities,
		sessions:   sessions,
		providers:  make(map[string]OAuthProvider, len(providers)),
		notifier:   notifier,
		mailer:     mailer,
		metrics:    m,
		state:      newStateSigner(config.StateSecret),
		config:     config,
		now:        time.Now,
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, p := range providers {
		s.providers[p.Name()] = p
	}
	return s
}

// GetSession はトークンに対応する有効なセッションを返す。存在しない場合はnilを返す。
func (s *Service) GetSession(ctx context.Context, token string) (*model.Session, error) {
	if token == "" {
		return nil, nil
	}
	sess, err := s.sessions.FindByID(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return sess, nil
}

// SignInWithPassword はメールアドレスとパスワードでサインインする。
// 未登録・パスワード不一致はどちらも同じInvalidCredentialsエラーを返す。
func (s *Service) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	// 1. メールアドレスを正規化してidentityを検索
	normalized, err := role.NormalizeEmail(email)
	if err != nil {
		s.metrics.RecordSignIn(model.ProviderEmail, resultDenied)
		return nil, model.NewInvalidCredentialsError()
	}
	identity, err := s.identities.FindByEmail(ctx, normalized)
	if err != nil {
		s.metrics.RecordSignIn(model.ProviderEmail, resultError)
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if identity == nil {
		s.metrics.RecordSignIn(model.ProviderEmail, resultDenied)
		return nil, model.NewInvalidCredentialsError()
	}

	// 2. パスワードを検証
	if err := comparePassword(identity.PasswordHash, password); err != nil {
		if errors.Is(err, errPasswordMismatch) {
			s.metrics.RecordSignIn(model.ProviderEmail, resultDenied)
			return nil, model.NewInvalidCredentialsError()
		}
		s.metrics.RecordSignIn(model.ProviderEmail, resultError)
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}

	// 3. メール確認が必須の場合は未確認を拒否
	if s.config.RequireEmailConfirmation && !identity.EmailConfirmed() {
		s.metrics.RecordSignIn(model.ProviderEmail, resultUnconfirmed)
		return nil, model.NewEmailNotConfirmedError()
	}

	// 4. 直近のプロバイダーを記録
	if identity.Provider != model.ProviderEmail {
		identity.Provider = model.ProviderEmail
		if err := s.identities.Update(ctx, identity); err != nil {
			s.metrics.RecordSignIn(model.ProviderEmail, resultError)
			return nil, fmt.Errorf("failed to update identity: %w", err)
		}
	}

	return s.signIn(ctx, identity)
}

// SignInWithOAuth はOAuthプロバイダーの認証URLを返す。
// redirectToはサインイン完了後の遷移先で、署名付きstateに埋め込まれる。
func (s *Service) SignInWithOAuth(provider, redirectTo string) (authURL, state string, err error) {
	p, ok := s.providers[provider]
	if !ok {
		return "", "", model.NewUnsupportedProviderError(provider)
	}
	state, err = s.state.Sign(redirectTo)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate oauth state: %w", err)
	}
	return p.GetLoginURL(state), state, nil
}

// VerifyState はコールバックで受け取ったstateの署名を検証し、埋め込まれた遷移先を返す。
func (s *Service) VerifyState(state string) (redirectTo string, ok bool) {
	return s.state.Verify(state)
}

// ExchangeCodeForSession はOAuthの認可コードを交換し、セッションを発行する。
//
// 処理フロー:
//  1. 認可コードを交換してユーザー情報を取得
//  2. プロバイダーのユーザーIDで既存identityを検索
//  3. 見つからなければメールアドレスで検索し、既存のパスワード登録と連携
//  4. どちらも無ければidentityを新規作成
//  5. セッションを発行
func (s *Service) ExchangeCodeForSession(ctx context.Context, provider, code string) (*model.Session, error) {
	p, ok := s.providers[provider]
	if !ok {
		return nil, model.NewUnsupportedProviderError(provider)
	}

	// 1. 認可コードを交換
	info, err := p.ExchangeCode(ctx, code)
	if err != nil {
		s.metrics.RecordSignIn(provider, resultError)
		slog.Warn("oauth code exchange failed",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return nil, model.NewOAuthFailedError()
	}
	email, err := role.NormalizeEmail(info.Email)
	if err != nil {
		s.metrics.RecordSignIn(provider, resultError)
		return nil, model.NewOAuthFailedError()
	}

	// 2. プロバイダーのユーザーIDで検索
	identity, err := s.identities.FindByProviderUserID(ctx, info.ProviderUserID)
	if err != nil {
		s.metrics.RecordSignIn(provider, resultError)
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	// 3. メールアドレスで検索（確認済みのメールアドレスのみ連携する）
	if identity == nil && info.EmailVerified {
		identity, err = s.identities.FindByEmail(ctx, email)
		if err != nil {
			s.metrics.RecordSignIn(provider, resultError)
			return nil, fmt.Errorf("failed to find identity by email: %w", err)
		}
	}

	now := s.now()
	var confirmedAt *time.Time
	if info.EmailVerified {
		confirmedAt = &now
	}

	if identity == nil {
		// 4. 新規作成
		identity = &model.Identity{
			ID:               uuid.New().String(),
			Email:            email,
			Name:             info.Name,
			AvatarURL:        info.AvatarURL,
			Provider:         provider,
			ProviderUserID:   info.ProviderUserID,
			EmailConfirmedAt: confirmedAt,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := s.identities.Create(ctx, identity); err != nil {
			s.metrics.RecordSignIn(provider, resultError)
			if errors.Is(err, repository.ErrDuplicate) {
				return nil, model.NewEmailTakenError()
			}
			return nil, fmt.Errorf("failed to create identity: %w", err)
		}
		slog.Info("new identity created",
			slog.String("user_id", identity.ID),
			slog.String("provider", provider),
		)
	} else {
		// 既存identityのメタデータを最新化する。空の値で上書きしない
		if info.Name != "" {
			identity.Name = info.Name
		}
		if info.AvatarURL != "" {
			identity.AvatarURL = info.AvatarURL
		}
		identity.Provider = provider
		identity.ProviderUserID = info.ProviderUserID
		if identity.EmailConfirmedAt == nil {
			identity.EmailConfirmedAt = confirmedAt
		}
		if err := s.identities.Update(ctx, identity); err != nil {
			s.metrics.RecordSignIn(provider, resultError)
			return nil, fmt.Errorf("failed to update identity: %w", err)
		}
	}

	if s.config.RequireEmailConfirmation && !identity.EmailConfirmed() {
		s.metrics.RecordSignIn(provider, resultUnconfirmed)
		return nil, model.NewEmailNotConfirmedError()
	}

	// 5. セッションを発行
	return s.signIn(ctx, identity)
}

// SignUp はメールアドレスとパスワードでidentityを登録する。
// メール確認が必須の場合はセッションを発行せず、確認リンクを送る。
func (s *Service) SignUp(ctx context.Context, email, password string, opts SignUpOptions) (*SignUpResult, error) {
	// 1. 入力を検証
	normalized, err := role.NormalizeEmail(email)
	if err != nil {
		return nil, model.NewInvalidRequestError("A valid email address is required")
	}
	if len(password) < model.MinPasswordLength {
		return nil, model.NewPasswordTooShortError()
	}

	existing, err := s.identities.FindByEmail(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if existing != nil {
		return nil, model.NewEmailTakenError()
	}

	// 2. identityを作成
	hash, err := hashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	now := s.now()
	identity := &model.Identity{
		ID:           uuid.New().String(),
		Email:        normalized,
		Name:         opts.FullName,
		Provider:     model.ProviderEmail,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if !s.config.RequireEmailConfirmation {
		identity.EmailConfirmedAt = &now
	}
	if err := s.identities.Create(ctx, identity); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewEmailTakenError()
		}
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}
	slog.Info("identity registered",
		slog.String("user_id", identity.ID),
		slog.Bool("confirmation_required", s.config.RequireEmailConfirmation),
	)

	// 3a. メール確認が必須: 確認トークンを発行して送信
	if s.config.RequireEmailConfirmation {
		if err := s.sendConfirmation(ctx, identity, opts.EmailRedirectTo); err != nil {
			return nil, err
		}
		return &SignUpResult{Identity: identity, ConfirmationRequired: true}, nil
	}

	// 3b. すぐにサインイン
	sess, err := s.signIn(ctx, identity)
	if err != nil {
		return nil, err
	}
	return &SignUpResult{Identity: identity, Session: sess}, nil
}

// sendConfirmation は確認トークンを発行し、ハッシュのみを保存してリンクを送る。
func (s *Service) sendConfirmation(ctx context.Context, identity *model.Identity, redirectTo string) error {
	token, err := randomHex(32)
	if err != nil {
		return fmt.Errorf("failed to generate confirmation token: %w", err)
	}
	if err := s.identities.SetConfirmationToken(ctx, identity.ID, hashToken(token), s.now()); err != nil {
		return fmt.Errorf("failed to store confirmation token: %w", err)
	}

	if redirectTo == "" {
		redirectTo = s.config.BaseURL + "/auth/callback"
	}
	link, err := url.Parse(redirectTo)
	if err != nil {
		return model.NewInvalidRequestError("Invalid email redirect URL")
	}
	q := link.Query()
	q.Set("token_hash", token)
	q.Set("type", "signup")
	link.RawQuery = q.Encode()

	if err := s.mailer.SendConfirmation(ctx, identity.Email, link.String()); err != nil {
		return fmt.Errorf("failed to send confirmation: %w", err)
	}
	return nil
}

// VerifyEmail は確認リンクのトークンでメールアドレスを確認済みにし、セッションを発行する。
func (s *Service) VerifyEmail(ctx context.Context, token string) (*model.Session, error) {
	if token == "" {
		return nil, model.NewInvalidTokenError()
	}
	identity, err := s.identities.ConfirmByTokenHash(ctx, hashToken(token), ConfirmationMaxAge)
	if err != nil {
		return nil, fmt.Errorf("failed to confirm email: %w", err)
	}
	if identity == nil {
		return nil, model.NewInvalidTokenError()
	}
	slog.Info("email confirmed", slog.String("user_id", identity.ID))
	return s.signIn(ctx, identity)
}

// RefreshSession はセッションの有効期限を延長し、TOKEN_REFRESHEDを発行する。
func (s *Service) RefreshSession(ctx context.Context, token string) (*model.Session, error) {
	if token == "" {
		return nil, model.NewUnauthenticatedError()
	}
	sess, err := s.sessions.Extend(ctx, token, s.now().Add(s.config.SessionMaxAge))
	if err != nil {
		return nil, fmt.Errorf("failed to extend session: %w", err)
	}
	if sess == nil {
		return nil, model.NewUnauthenticatedError()
	}
	s.publish(ctx, session.Event{Type: session.EventTokenRefreshed, Session: sess})
	return sess, nil
}

// SignOut はセッションを破棄し、SIGNED_OUTを発行する。
// トークンが空の場合は何もしない。
func (s *Service) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.sessions.DeleteByID(ctx, token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.publish(ctx, session.Event{Type: session.EventSignedOut, Token: token})
	slog.Info("user signed out")
	return nil
}

// signIn はセッションを発行し、SIGNED_INを発行する。
func (s *Service) signIn(ctx context.Context, identity *model.Identity) (*model.Session, error) {
	provider := identity.Provider
	if provider == "" {
		provider = model.ProviderEmail
	}

	sess, err := s.createSession(ctx, identity, provider)
	if err != nil {
		s.metrics.RecordSignIn(provider, resultError)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.metrics.RecordSignIn(provider, resultSuccess)
	slog.Info("user signed in",
		slog.String("user_id", identity.ID),
		slog.String("provider", provider),
	)
	s.publish(ctx, session.Event{
		Type:     session.EventSignedIn,
		Session:  sess,
		Identity: identity,
	})
	return sess, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, identity *model.Identity, provider string) (*model.Session, error) {
	token, err := randomHex(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	now := s.now()
	sess := &model.Session{
		Token:     token,
		UserID:    identity.ID,
		Email:     identity.Email,
		Provider:  provider,
		ExpiresAt: now.Add(s.config.SessionMaxAge),
		CreatedAt: now,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Service) publish(ctx context.Context, ev session.Event) {
	if s.notifier != nil {
		s.notifier.Publish(ctx, ev)
	}
}
