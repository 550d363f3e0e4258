// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hitoshi/jeementor/internal/model"
)

// SessionCookieName はセッショントークンを運ぶHTTP Only Cookieの名前。
const SessionCookieName = "session_token"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionContextKey はリクエストコンテキストにセッションを格納するためのキー。
var sessionContextKey = contextKey("session")

// SessionResolver はトークンから有効なセッションを解決する。
// session.Storeが実装する。解決できない場合はnilを返す。
type SessionResolver interface {
	GetCurrentSession(ctx context.Context, token string) *model.Session
}

// TokenFromRequest はCookieからセッショントークンを取り出す。
func TokenFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// NewSessionLoader はCookieのセッションを解決し、有効であればコンテキストに注入するミドルウェアを返す。
// 未ログインでもリクエストは拒否しない（公開ページ・レート制限用）。
// 保護が必要なルートではguardのミドルウェアを使う。
func NewSessionLoader(resolver SessionResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			if sess := resolver.GetCurrentSession(r.Context(), token); sess != nil {
				noteUserID(r.Context(), sess.UserID)
				r = r.WithContext(ContextWithSession(r.Context(), sess))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。
func SessionFromContext(ctx context.Context) (*model.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey).(*model.Session)
	return sess, ok && sess != nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションが注入されたリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	sess, ok := SessionFromContext(ctx)
	if !ok || sess.UserID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return sess.UserID, nil
}

// ContextWithSession はコンテキストにセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, sess *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, sess)
}
