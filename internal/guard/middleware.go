package guard

import (
	"net/http"

	"github.com/hitoshi/jeementor/internal/middleware"
	"github.com/hitoshi/jeementor/internal/model"
)

// PageMiddleware はページ用のガード。許可されなければリダイレクトする。
// 許可された場合はセッションをリクエストコンテキストに注入する。
func (g *Guard) PageMiddleware(req Requirement) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := g.Evaluate(r.Context(), middleware.TokenFromRequest(r), req, r.URL.RequestURI())
			if d.State != StateAuthorized {
				http.Redirect(w, r, d.RedirectTo, http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r.WithContext(middleware.ContextWithSession(r.Context(), d.Session)))
		})
	}
}

// APIMiddleware はAPI用のガード。未ログインは401、権限不足は403を返す。
func (g *Guard) APIMiddleware(req Requirement) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := g.Evaluate(r.Context(), middleware.TokenFromRequest(r), req, "")
			switch {
			case d.State == StateAuthorized:
				next.ServeHTTP(w, r.WithContext(middleware.ContextWithSession(r.Context(), d.Session)))
			case d.Reason == ReasonForbidden:
				middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
			default:
				middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
			}
		})
	}
}
