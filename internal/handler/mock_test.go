package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/jeementor/internal/auth"
	"github.com/hitoshi/jeementor/internal/model"
	"github.com/hitoshi/jeementor/internal/repository"
)

// --- モック定義 ---

// mockAuthService はAuthServiceのモック実装。
type mockAuthService struct {
	getSessionFn      func(ctx context.Context, token string) (*model.Session, error)
	signInFn          func(ctx context.Context, email, password string) (*model.Session, error)
	signInWithOAuthFn func(provider, redirectTo string) (string, string, error)
	verifyStateFn     func(state string) (string, bool)
	exchangeCodeFn    func(ctx context.Context, provider, code string) (*model.Session, error)
	signUpFn          func(ctx context.Context, email, password string, opts auth.SignUpOptions) (*auth.SignUpResult, error)
	verifyEmailFn     func(ctx context.Context, token string) (*model.Session, error)
	refreshSessionFn  func(ctx context.Context, token string) (*model.Session, error)
	signOutFn         func(ctx context.Context, token string) error
	signedOut         []string
}

func (m *mockAuthService) GetSession(ctx context.Context, token string) (*model.Session, error) {
	if m.getSessionFn != nil {
		return m.getSessionFn(ctx, token)
	}
	return nil, nil
}

func (m *mockAuthService) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return nil, model.NewInvalidCredentialsError()
}

func (m *mockAuthService) SignInWithOAuth(provider, redirectTo string) (string, string, error) {
	if m.signInWithOAuthFn != nil {
		return m.signInWithOAuthFn(provider, redirectTo)
	}
	return "", "", model.NewUnsupportedProviderError(provider)
}

func (m *mockAuthService) VerifyState(state string) (string, bool) {
	if m.verifyStateFn != nil {
		return m.verifyStateFn(state)
	}
	return "", false
}

func (m *mockAuthService) ExchangeCodeForSession(ctx context.Context, provider, code string) (*model.Session, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, provider, code)
	}
	return nil, model.NewOAuthFailedError()
}

func (m *mockAuthService) SignUp(ctx context.Context, email, password string, opts auth.SignUpOptions) (*auth.SignUpResult, error) {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password, opts)
	}
	return nil, model.NewInternalError()
}

func (m *mockAuthService) VerifyEmail(ctx context.Context, token string) (*model.Session, error) {
	if m.verifyEmailFn != nil {
		return m.verifyEmailFn(ctx, token)
	}
	return nil, model.NewInvalidTokenError()
}

func (m *mockAuthService) RefreshSession(ctx context.Context, token string) (*model.Session, error) {
	if m.refreshSessionFn != nil {
		return m.refreshSessionFn(ctx, token)
	}
	return nil, model.NewUnauthenticatedError()
}

func (m *mockAuthService) SignOut(ctx context.Context, token string) error {
	m.signedOut = append(m.signedOut, token)
	if m.signOutFn != nil {
		return m.signOutFn(ctx, token)
	}
	return nil
}

// compile-time interface check
var _ AuthService = (*mockAuthService)(nil)

// stubRoles はメールアドレスとロール名の固定表。
type stubRoles map[string]string

func (s stubRoles) Role(_ context.Context, email string) string {
	return s[email]
}

// stubProfiles はEnsureで固定のProfileを返す。
type stubProfiles struct {
	profile *model.Profile
	calls   int
}

func (s *stubProfiles) Ensure(_ context.Context, _ *model.Session) *model.Profile {
	s.calls++
	return s.profile
}

// mockRecordStore はrepository.RecordStoreのモック実装。
type mockRecordStore struct {
	listFn   func(ctx context.Context, collection string, q repository.Query) ([]model.Record, error)
	getFn    func(ctx context.Context, collection, id string) (model.Record, error)
	createFn func(ctx context.Context, collection string, values model.Record) (model.Record, error)
	updateFn func(ctx context.Context, collection, id string, values model.Record) (model.Record, error)
	deleteFn func(ctx context.Context, collection, id string) (bool, error)
	countFn  func(ctx context.Context, collection string, filters ...repository.Filter) (int64, error)
	sumFn    func(ctx context.Context, collection, column string, filters ...repository.Filter) (float64, error)
}

func (m *mockRecordStore) List(ctx context.Context, collection string, q repository.Query) ([]model.Record, error) {
	if m.listFn != nil {
		return m.listFn(ctx, collection, q)
	}
	return []model.Record{}, nil
}

func (m *mockRecordStore) Get(ctx context.Context, collection, id string) (model.Record, error) {
	if m.getFn != nil {
		return m.getFn(ctx, collection, id)
	}
	return nil, nil
}

func (m *mockRecordStore) Create(ctx context.Context, collection string, values model.Record) (model.Record, error) {
	if m.createFn != nil {
		return m.createFn(ctx, collection, values)
	}
	return values, nil
}

func (m *mockRecordStore) Update(ctx context.Context, collection, id string, values model.Record) (model.Record, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, collection, id, values)
	}
	return nil, nil
}

func (m *mockRecordStore) Delete(ctx context.Context, collection, id string) (bool, error) {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, collection, id)
	}
	return false, nil
}

func (m *mockRecordStore) Count(ctx context.Context, collection string, filters ...repository.Filter) (int64, error) {
	if m.countFn != nil {
		return m.countFn(ctx, collection, filters...)
	}
	return 0, nil
}

func (m *mockRecordStore) Sum(ctx context.Context, collection, column string, filters ...repository.Filter) (float64, error) {
	if m.sumFn != nil {
		return m.sumFn(ctx, collection, column, filters...)
	}
	return 0, nil
}

// compile-time interface check
var _ repository.RecordStore = (*mockRecordStore)(nil)

// mockRoleManager はAdminRoleManagerのモック実装。
type mockRoleManager struct {
	grantFn  func(ctx context.Context, email, role string) (*model.AdminUser, error)
	revokeFn func(ctx context.Context, email string) error
	listFn   func(ctx context.Context) ([]*model.AdminUser, error)
}

func (m *mockRoleManager) Grant(ctx context.Context, email, role string) (*model.AdminUser, error) {
	if m.grantFn != nil {
		return m.grantFn(ctx, email, role)
	}
	return &model.AdminUser{Email: email, Role: role}, nil
}

func (m *mockRoleManager) Revoke(ctx context.Context, email string) error {
	if m.revokeFn != nil {
		return m.revokeFn(ctx, email)
	}
	return nil
}

func (m *mockRoleManager) List(ctx context.Context) ([]*model.AdminUser, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}

// sessionTable はトークンとセッションの対応を保持する可変なsession.Provider。
type sessionTable struct {
	mu   sync.Mutex
	rows map[string]*model.Session
}

func newSessionTable(sessions ...*model.Session) *sessionTable {
	t := &sessionTable{rows: make(map[string]*model.Session)}
	for _, s := range sessions {
		t.rows[s.Token] = s
	}
	return t
}

func (t *sessionTable) FindByID(_ context.Context, token string) (*model.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.rows[token]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (t *sessionTable) delete(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, token)
}

// adminSet はguard.AdminCheckerのテスト実装。
type adminSet map[string]bool

func (a adminSet) IsAdmin(_ context.Context, email string) bool {
	return a[email]
}

func testSession(token, email string) *model.Session {
	return &model.Session{
		Token:     token,
		UserID:    "user-" + token,
		Email:     email,
		Provider:  model.ProviderEmail,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
