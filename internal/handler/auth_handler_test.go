package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/jeementor/internal/auth"
	"github.com/hitoshi/jeementor/internal/middleware"
	"github.com/hitoshi/jeementor/internal/model"
)

func newTestAuthHandler(svc *mockAuthService) *AuthHandler {
	return NewAuthHandler(svc, stubRoles{"admin@x.com": "admin"}, &stubProfiles{}, AuthHandlerConfig{
		BaseURL:       "http://localhost:3000",
		SessionMaxAge: 7 * 24 * time.Hour,
	})
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("エラーレスポンスのデコードに失敗: %v", err)
	}
	return body
}

func TestAuthHandler_SignIn_Success_SetsCookie(t *testing.T) {
	svc := &mockAuthService{
		signInFn: func(_ context.Context, email, password string) (*model.Session, error) {
			if email != "a@x.com" || password != "secret1" {
				t.Errorf("unexpected credentials %q/%q", email, password)
			}
			return testSession("tok-1", "a@x.com"), nil
		},
	}
	h := newTestAuthHandler(svc)

	w := httptest.NewRecorder()
	h.SignIn(w, jsonRequest(http.MethodPost, "/auth/login",
		`{"email":"a@x.com","password":"secret1","redirect_to":"/admin"}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", w.Code, w.Body.String())
	}
	cookie := findCookie(w.Result(), middleware.SessionCookieName)
	if cookie == nil || cookie.Value != "tok-1" {
		t.Fatalf("session cookie = %+v", cookie)
	}
	if !cookie.HttpOnly || cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("cookie should be HttpOnly and SameSite=Lax: %+v", cookie)
	}
	if cookie.MaxAge != int((7 * 24 * time.Hour).Seconds()) {
		t.Errorf("MaxAge = %d", cookie.MaxAge)
	}

	var body sessionResponse
	json.NewDecoder(w.Body).Decode(&body)
	if body.RedirectTo != "/admin" {
		t.Errorf("redirect_to = %q, want /admin", body.RedirectTo)
	}
	if strings.Contains(w.Body.String(), "tok-1") {
		t.Error("token must not appear in the response body")
	}
}

func TestAuthHandler_SignIn_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"empty body", ``, "Request body is required"},
		{"invalid json", `{`, "Request body must be valid JSON"},
		{"unknown field", `{"email":"a@x.com","password":"p","admin":true}`, "Request body must be valid JSON"},
		{"missing email", `{"password":"p"}`, "Email is required"},
		{"invalid email", `{"email":"nope","password":"p"}`, "Please enter a valid email address"},
		{"missing password", `{"email":"a@x.com"}`, "Password is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestAuthHandler(&mockAuthService{})
			w := httptest.NewRecorder()
			h.SignIn(w, jsonRequest(http.MethodPost, "/auth/login", tt.body))

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if got := decodeErrorBody(t, w).Message; got != tt.message {
				t.Errorf("message = %q, want %q", got, tt.message)
			}
		})
	}
}

func TestAuthHandler_SignIn_ServiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid credentials", model.NewInvalidCredentialsError(), http.StatusUnauthorized},
		{"email not confirmed", model.NewEmailNotConfirmedError(), http.StatusForbidden},
		{"internal", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestAuthHandler(&mockAuthService{
				signInFn: func(context.Context, string, string) (*model.Session, error) { return nil, tt.err },
			})
			w := httptest.NewRecorder()
			h.SignIn(w, jsonRequest(http.MethodPost, "/auth/login", `{"email":"a@x.com","password":"secret1"}`))

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if findCookie(w.Result(), middleware.SessionCookieName) != nil {
				t.Error("no session cookie should be set on failure")
			}
		})
	}
}

func TestAuthHandler_SignUp_PasswordMismatch(t *testing.T) {
	called := false
	h := newTestAuthHandler(&mockAuthService{
		signUpFn: func(context.Context, string, string, auth.SignUpOptions) (*auth.SignUpResult, error) {
			called = true
			return nil, nil
		},
	})

	w := httptest.NewRecorder()
	h.SignUp(w, jsonRequest(http.MethodPost, "/auth/signup",
		`{"full_name":"A","email":"a@x.com","password":"abc","confirm_password":"abd"}`))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if got := decodeErrorBody(t, w).Code; got != model.ErrCodePasswordMismatch {
		t.Errorf("code = %q, want %q", got, model.ErrCodePasswordMismatch)
	}
	if called {
		t.Error("SignUp should not be called when passwords differ")
	}
}

func TestAuthHandler_SignUp_ConfirmationRequired(t *testing.T) {
	var gotOpts auth.SignUpOptions
	h := newTestAuthHandler(&mockAuthService{
		signUpFn: func(_ context.Context, _, _ string, opts auth.SignUpOptions) (*auth.SignUpResult, error) {
			gotOpts = opts
			return &auth.SignUpResult{ConfirmationRequired: true}, nil
		},
	})

	w := httptest.NewRecorder()
	h.SignUp(w, jsonRequest(http.MethodPost, "/auth/signup",
		`{"full_name":"Asha","email":"a@x.com","password":"secret1","confirm_password":"secret1"}`))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if gotOpts.FullName != "Asha" || gotOpts.EmailRedirectTo != "http://localhost:3000/auth/callback" {
		t.Errorf("opts = %+v", gotOpts)
	}
	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["confirmation_required"] != true || body["message"] != confirmEmailMessage {
		t.Errorf("body = %v", body)
	}
	if findCookie(w.Result(), middleware.SessionCookieName) != nil {
		t.Error("no session cookie should be set before confirmation")
	}
}

func TestAuthHandler_SignUp_ImmediateSession(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{
		signUpFn: func(context.Context, string, string, auth.SignUpOptions) (*auth.SignUpResult, error) {
			return &auth.SignUpResult{Session: testSession("tok-new", "a@x.com")}, nil
		},
	})

	w := httptest.NewRecorder()
	h.SignUp(w, jsonRequest(http.MethodPost, "/auth/signup",
		`{"full_name":"Asha","email":"a@x.com","password":"secret1","confirm_password":"secret1"}`))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if c := findCookie(w.Result(), middleware.SessionCookieName); c == nil || c.Value != "tok-new" {
		t.Errorf("session cookie = %+v", c)
	}
}

func TestAuthHandler_OAuthLogin_SetsStateCookieAndRedirects(t *testing.T) {
	var gotRedirect string
	h := newTestAuthHandler(&mockAuthService{
		signInWithOAuthFn: func(provider, redirectTo string) (string, string, error) {
			if provider != "google" {
				t.Errorf("provider = %q", provider)
			}
			gotRedirect = redirectTo
			return "https://accounts.google.com/o/oauth2/auth?state=st", "st", nil
		},
	})

	r := chi.NewRouter()
	r.Get("/auth/{provider}/login", h.OAuthLogin)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/google/login?redirect=https://evil.example", nil))

	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", w.Code)
	}
	if loc := w.Header().Get("Location"); !strings.HasPrefix(loc, "https://accounts.google.com/") {
		t.Errorf("Location = %q", loc)
	}
	if gotRedirect != "" {
		t.Errorf("external redirect should be dropped, got %q", gotRedirect)
	}
	c := findCookie(w.Result(), oauthStateCookie)
	if c == nil || c.Value != "st" || c.Path != "/auth" || !c.HttpOnly {
		t.Errorf("state cookie = %+v", c)
	}
}

func TestAuthHandler_OAuthLogin_UnsupportedProvider(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{})
	r := chi.NewRouter()
	r.Get("/auth/{provider}/login", h.OAuthLogin)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/github/login", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAuthHandler_Callback_Code(t *testing.T) {
	okState := func(state string) (string, bool) { return "/admin", state == "st" }

	tests := []struct {
		name         string
		query        string
		cookie       string
		exchangeErr  error
		wantLocation string
		wantSession  bool
	}{
		{"success", "?code=c&state=st", "st", nil, "/admin", true},
		{"state cookie missing", "?code=c&state=st", "", nil, "/login?error=auth_failed", false},
		{"state mismatch", "?code=c&state=st", "other", nil, "/login?error=auth_failed", false},
		{"bad signature", "?code=c&state=forged", "forged", nil, "/login?error=auth_failed", false},
		{"exchange rejected", "?code=c&state=st", "st", model.NewOAuthFailedError(), "/login?error=auth_failed", false},
		{"unexpected failure", "?code=c&state=st", "st", errors.New("boom"), "/login?error=unexpected", false},
		{"provider error", "?error=access_denied", "", nil, "/login?error=auth_failed", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestAuthHandler(&mockAuthService{
				verifyStateFn: okState,
				exchangeCodeFn: func(_ context.Context, provider, code string) (*model.Session, error) {
					if provider != model.ProviderGoogle || code != "c" {
						t.Errorf("exchange(%q, %q)", provider, code)
					}
					if tt.exchangeErr != nil {
						return nil, tt.exchangeErr
					}
					return testSession("tok-g", "a@x.com"), nil
				},
			})

			req := httptest.NewRequest(http.MethodGet, "/auth/callback"+tt.query, nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: tt.cookie})
			}
			w := httptest.NewRecorder()
			h.Callback(w, req)

			if w.Code != http.StatusSeeOther {
				t.Fatalf("status = %d, want 303", w.Code)
			}
			if got := w.Header().Get("Location"); got != tt.wantLocation {
				t.Errorf("Location = %q, want %q", got, tt.wantLocation)
			}
			gotSession := findCookie(w.Result(), middleware.SessionCookieName) != nil
			if gotSession != tt.wantSession {
				t.Errorf("session cookie set = %v, want %v", gotSession, tt.wantSession)
			}
		})
	}
}

func TestAuthHandler_Callback_AlwaysClearsStateCookie(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{})
	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=c&state=st", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "other"})
	w := httptest.NewRecorder()

	h.Callback(w, req)

	c := findCookie(w.Result(), oauthStateCookie)
	if c == nil || c.MaxAge >= 0 {
		t.Errorf("state cookie should be cleared, got %+v", c)
	}
}

func TestAuthHandler_Callback_EmailConfirmation(t *testing.T) {
	tests := []struct {
		name         string
		query        string
		verifyErr    error
		wantLocation string
	}{
		{"confirmed", "?token_hash=tk&type=signup", nil, "/dashboard"},
		{"wrong type", "?token_hash=tk&type=recovery", nil, "/login?error=auth_failed"},
		{"expired token", "?token_hash=tk&type=signup", model.NewInvalidTokenError(), "/login?error=auth_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestAuthHandler(&mockAuthService{
				verifyEmailFn: func(_ context.Context, token string) (*model.Session, error) {
					if token != "tk" {
						t.Errorf("token = %q", token)
					}
					if tt.verifyErr != nil {
						return nil, tt.verifyErr
					}
					return testSession("tok-c", "a@x.com"), nil
				},
			})
			w := httptest.NewRecorder()
			h.Callback(w, httptest.NewRequest(http.MethodGet, "/auth/callback"+tt.query, nil))

			if got := w.Header().Get("Location"); got != tt.wantLocation {
				t.Errorf("Location = %q, want %q", got, tt.wantLocation)
			}
		})
	}
}

func TestAuthHandler_Callback_NoParams_ChecksExistingSession(t *testing.T) {
	tests := []struct {
		name         string
		sess         *model.Session
		err          error
		wantLocation string
	}{
		{"signed in", testSession("tok", "a@x.com"), nil, "/dashboard"},
		{"no session", nil, nil, "/login"},
		{"lookup error", nil, errors.New("timeout"), "/login?error=auth_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestAuthHandler(&mockAuthService{
				getSessionFn: func(context.Context, string) (*model.Session, error) { return tt.sess, tt.err },
			})
			w := httptest.NewRecorder()
			h.Callback(w, httptest.NewRequest(http.MethodGet, "/auth/callback", nil))

			if got := w.Header().Get("Location"); got != tt.wantLocation {
				t.Errorf("Location = %q, want %q", got, tt.wantLocation)
			}
		})
	}
}

func TestAuthHandler_SignOut_ClearsCookieAndRedirectsHome(t *testing.T) {
	svc := &mockAuthService{signOutFn: func(context.Context, string) error { return errors.New("db down") }}
	h := newTestAuthHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "tok-1"})
	w := httptest.NewRecorder()
	h.SignOut(w, req)

	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/" {
		t.Errorf("status = %d, Location = %q", w.Code, w.Header().Get("Location"))
	}
	if len(svc.signedOut) != 1 || svc.signedOut[0] != "tok-1" {
		t.Errorf("signedOut = %v", svc.signedOut)
	}
	if c := findCookie(w.Result(), middleware.SessionCookieName); c == nil || c.MaxAge >= 0 {
		t.Errorf("session cookie should be cleared even when sign-out fails, got %+v", c)
	}
}

func TestAuthHandler_SignOut_NoCookie(t *testing.T) {
	svc := &mockAuthService{}
	h := newTestAuthHandler(svc)

	w := httptest.NewRecorder()
	h.SignOut(w, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))

	if w.Code != http.StatusSeeOther {
		t.Errorf("status = %d, want 303", w.Code)
	}
	if len(svc.signedOut) != 0 {
		t.Error("SignOut should not be called without a token")
	}
}

func TestAuthHandler_Refresh(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{
		refreshSessionFn: func(_ context.Context, token string) (*model.Session, error) {
			if token != "tok-1" {
				return nil, model.NewUnauthenticatedError()
			}
			return testSession("tok-1", "a@x.com"), nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "tok-1"})
	w := httptest.NewRecorder()
	h.Refresh(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	h.Refresh(w, httptest.NewRequest(http.MethodPost, "/auth/refresh", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status without cookie = %d, want 401", w.Code)
	}
}

func TestAuthHandler_Me(t *testing.T) {
	profiles := &stubProfiles{profile: &model.Profile{ID: "user-tok", FullName: "Admin", Plan: model.DefaultPlan}}
	h := NewAuthHandler(&mockAuthService{}, stubRoles{"admin@x.com": "admin"}, profiles, AuthHandlerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req = req.WithContext(middleware.ContextWithSession(req.Context(), testSession("tok", "admin@x.com")))
	w := httptest.NewRecorder()
	h.Me(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["is_admin"] != true || body["role"] != "admin" || body["profile_loaded"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestAuthHandler_Me_NoSession_ReturnsUnauthorized(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{})
	w := httptest.NewRecorder()
	h.Me(w, httptest.NewRequest(http.MethodGet, "/auth/me", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAfterSignIn(t *testing.T) {
	tests := []struct {
		next string
		want string
	}{
		{"", "/dashboard"},
		{"/", "/dashboard"},
		{"/login", "/dashboard"},
		{"/admin", "/admin"},
		{"/dashboard?tab=tests", "/dashboard?tab=tests"},
		{"//evil.example", "/dashboard"},
		{"https://evil.example/admin", "/dashboard"},
	}
	for _, tt := range tests {
		if got := afterSignIn(tt.next); got != tt.want {
			t.Errorf("afterSignIn(%q) = %q, want %q", tt.next, got, tt.want)
		}
	}
}
