package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/jeementor/internal/auth"
	"github.com/hitoshi/jeementor/internal/guard"
	"github.com/hitoshi/jeementor/internal/middleware"
	"github.com/hitoshi/jeementor/internal/model"
)

const (
	oauthStateCookie = "oauth_state"
	oauthStateMaxAge = 600 // 10分

	// DashboardPath はサインイン後のデフォルトの遷移先。
	DashboardPath = "/dashboard"

	// サインアップ完了時にメール確認を促すメッセージ
	confirmEmailMessage = "Please check your email to confirm your account"
)

// コールバック失敗時に/loginへ付与するエラーコード。
const (
	callbackErrorAuthFailed = "auth_failed"
	callbackErrorUnexpected = "unexpected"
)

// AuthService は認証ハンドラーが必要とするサービスインターフェース。
type AuthService interface {
	GetSession(ctx context.Context, token string) (*model.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	SignInWithOAuth(provider, redirectTo string) (authURL, state string, err error)
	VerifyState(state string) (redirectTo string, ok bool)
	ExchangeCodeForSession(ctx context.Context, provider, code string) (*model.Session, error)
	SignUp(ctx context.Context, email, password string, opts auth.SignUpOptions) (*auth.SignUpResult, error)
	VerifyEmail(ctx context.Context, token string) (*model.Session, error)
	RefreshSession(ctx context.Context, token string) (*model.Session, error)
	SignOut(ctx context.Context, token string) error
}

// RoleLookup はメールアドレスのロール名を返す。管理者でなければ空文字列。
type RoleLookup interface {
	Role(ctx context.Context, email string) string
}

// ProfileEnsurer はセッションのユーザーのProfileを返す。失敗した場合はnil。
type ProfileEnsurer interface {
	Ensure(ctx context.Context, sess *model.Session) *model.Profile
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge time.Duration
}

// AuthHandler はサインイン・サインアップ・OAuthコールバックのHTTPハンドラー。
type AuthHandler struct {
	service  AuthService
	roles    RoleLookup
	profiles ProfileEnsurer
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthService, roles RoleLookup, profiles ProfileEnsurer, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		roles:    roles,
		profiles: profiles,
		config:   config,
	}
}

// signInRequest はPOST /auth/loginのリクエストボディ。
type signInRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Password   string `json:"password" validate:"required"`
	RedirectTo string `json:"redirect_to"`
}

// signUpRequest はPOST /auth/signupのリクエストボディ。
type signUpRequest struct {
	FullName        string `json:"full_name" validate:"required,max=100"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required"`
	ConfirmPassword string `json:"confirm_password" validate:"required"`
}

// sessionResponse はサインイン成功時のレスポンス。トークンはCookieでのみ返す。
type sessionResponse struct {
	UserID     string    `json:"user_id"`
	Email      string    `json:"email"`
	Provider   string    `json:"provider"`
	ExpiresAt  time.Time `json:"expires_at"`
	RedirectTo string    `json:"redirect_to,omitempty"`
}

func newSessionResponse(sess *model.Session, redirectTo string) sessionResponse {
	return sessionResponse{
		UserID:     sess.UserID,
		Email:      sess.Email,
		Provider:   sess.Provider,
		ExpiresAt:  sess.ExpiresAt,
		RedirectTo: redirectTo,
	}
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /auth/login
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	sess, err := h.service.SignInWithPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	h.setSessionCookie(w, sess)
	middleware.WriteJSON(w, http.StatusOK, newSessionResponse(sess, afterSignIn(req.RedirectTo)))
}

// SignUp はメールアドレスとパスワードでアカウントを登録する。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	// パスワード確認の不一致は文字数より先に報告する
	if req.Password != req.ConfirmPassword {
		middleware.WriteError(w, model.NewPasswordMismatchError())
		return
	}

	res, err := h.service.SignUp(r.Context(), req.Email, req.Password, auth.SignUpOptions{
		FullName:        req.FullName,
		EmailRedirectTo: h.config.BaseURL + "/auth/callback",
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	if res.ConfirmationRequired {
		middleware.WriteJSON(w, http.StatusCreated, map[string]any{
			"confirmation_required": true,
			"message":               confirmEmailMessage,
		})
		return
	}

	h.setSessionCookie(w, res.Session)
	middleware.WriteJSON(w, http.StatusCreated, newSessionResponse(res.Session, DashboardPath))
}

// OAuthLogin はOAuthフローを開始する。
// GET /auth/{provider}/login?redirect=/admin
func (h *AuthHandler) OAuthLogin(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	next := guard.SafeRedirect(r.URL.Query().Get("redirect"))

	authURL, state, err := h.service.SignInWithOAuth(provider, next)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	// stateをCookieにも保存し、コールバックで照合する
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/auth",
		MaxAge:   oauthStateMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, authURL, http.StatusSeeOther)
}

// Callback はOAuthプロバイダーとメール確認リンクからの戻り先。
// GET /auth/callback
//
// 処理フロー:
//  1. プロバイダーがエラーを返した場合 → /login?error=auth_failed
//  2. token_hash&type=signup → メール確認してサインイン
//  3. code → stateを検証し、認可コードをセッションに交換
//  4. いずれでもない → 現在のセッションを確認し、あれば/dashboard、なければ/login
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// 1. プロバイダー側のエラー（同意拒否など）
	if q.Get("error") != "" {
		slog.Warn("oauth provider returned error",
			slog.String("error", q.Get("error")),
		)
		h.redirectToLogin(w, r, callbackErrorAuthFailed)
		return
	}

	// 2. メール確認リンク
	if token := q.Get("token_hash"); token != "" {
		if q.Get("type") != "signup" {
			h.redirectToLogin(w, r, callbackErrorAuthFailed)
			return
		}
		sess, err := h.service.VerifyEmail(r.Context(), token)
		if err != nil {
			h.callbackFailed(w, r, "email confirmation failed", err)
			return
		}
		h.setSessionCookie(w, sess)
		http.Redirect(w, r, DashboardPath, http.StatusSeeOther)
		return
	}

	// 3. OAuthの認可コード
	if code := q.Get("code"); code != "" {
		next, ok := h.verifyState(w, r)
		if !ok {
			h.redirectToLogin(w, r, callbackErrorAuthFailed)
			return
		}
		sess, err := h.service.ExchangeCodeForSession(r.Context(), model.ProviderGoogle, code)
		if err != nil {
			h.callbackFailed(w, r, "oauth callback failed", err)
			return
		}
		h.setSessionCookie(w, sess)
		http.Redirect(w, r, afterSignIn(next), http.StatusSeeOther)
		return
	}

	// 4. 既存セッションの確認
	sess, err := h.service.GetSession(r.Context(), middleware.TokenFromRequest(r))
	if err != nil {
		slog.Error("auth callback session lookup failed", slog.String("error", err.Error()))
		h.redirectToLogin(w, r, callbackErrorAuthFailed)
		return
	}
	if sess == nil {
		http.Redirect(w, r, guard.LoginPath, http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, DashboardPath, http.StatusSeeOther)
}

// verifyState はクエリのstateをCookieと署名の両方で検証し、埋め込まれた遷移先を返す。
// 検証の成否にかかわらずstate Cookieは削除する。
func (h *AuthHandler) verifyState(w http.ResponseWriter, r *http.Request) (string, bool) {
	state := r.URL.Query().Get("state")
	cookie, err := r.Cookie(oauthStateCookie)

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	if err != nil || state == "" || cookie.Value != state {
		slog.Warn("oauth state mismatch")
		return "", false
	}
	next, ok := h.service.VerifyState(state)
	if !ok {
		slog.Warn("oauth state signature invalid")
		return "", false
	}
	return next, true
}

// callbackFailed はコールバック処理の失敗を/loginへのリダイレクトに変換する。
// 認証プロバイダーが返した既知のエラーはauth_failed、それ以外はunexpected。
func (h *AuthHandler) callbackFailed(w http.ResponseWriter, r *http.Request, msg string, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		slog.Warn(msg, slog.String("code", apiErr.Code))
		h.redirectToLogin(w, r, callbackErrorAuthFailed)
		return
	}
	slog.Error(msg, slog.String("error", err.Error()))
	h.redirectToLogin(w, r, callbackErrorUnexpected)
}

func (h *AuthHandler) redirectToLogin(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, guard.LoginPath+"?error="+url.QueryEscape(code), http.StatusSeeOther)
}

// Refresh はセッションの有効期限を延長する。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.RefreshSession(r.Context(), middleware.TokenFromRequest(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	h.setSessionCookie(w, sess)
	middleware.WriteJSON(w, http.StatusOK, newSessionResponse(sess, ""))
}

// SignOut はセッションを破棄し、トップページへリダイレクトする。
// POST /auth/logout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if token := middleware.TokenFromRequest(r); token != "" {
		if err := h.service.SignOut(r.Context(), token); err != nil {
			// 失敗してもCookieはクリアする
			slog.Error("failed to sign out", slog.String("error", err.Error()))
		}
	}

	h.clearSessionCookie(w)
	http.Redirect(w, r, guard.HomePath, http.StatusSeeOther)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, model.NewUnauthenticatedError())
		return
	}

	role := h.roles.Role(r.Context(), sess.Email)
	resp := map[string]any{
		"user_id":        sess.UserID,
		"email":          sess.Email,
		"provider":       sess.Provider,
		"expires_at":     sess.ExpiresAt,
		"is_admin":       role != "",
		"role":           role,
		"profile_loaded": false,
	}
	if p := h.profiles.Ensure(r.Context(), sess); p != nil {
		resp["profile"] = p
		resp["profile_loaded"] = true
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// setSessionCookie はセッションCookie（HTTP Only）を設定する。
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, sess *model.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   int(h.config.SessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// afterSignIn はサインイン後の遷移先を返す。
// 安全でない遷移先やログインページ自身はダッシュボードに置き換える。
func afterSignIn(next string) string {
	next = guard.SafeRedirect(next)
	if next == "" || next == guard.HomePath || next == guard.LoginPath {
		return DashboardPath
	}
	return next
}
