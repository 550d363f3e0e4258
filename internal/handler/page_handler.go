package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/jeementor/internal/guard"
	"github.com/hitoshi/jeementor/internal/middleware"
	"github.com/hitoshi/jeementor/internal/model"
	"github.com/hitoshi/jeementor/internal/repository"
)

// loginErrorMessages は/loginの?errorパラメータと表示メッセージの対応。
var loginErrorMessages = map[string]string{
	callbackErrorAuthFailed: "Authentication failed. Please try again.",
	callbackErrorUnexpected: "An unexpected error occurred. Please try again.",
}

// PageHandler はページ（JSONドキュメント）を返すハンドラー。
type PageHandler struct {
	records  repository.RecordStore
	roles    RoleLookup
	profiles ProfileEnsurer
}

// NewPageHandler はPageHandlerを生成する。
func NewPageHandler(records repository.RecordStore, roles RoleLookup, profiles ProfileEnsurer) *PageHandler {
	return &PageHandler{records: records, roles: roles, profiles: profiles}
}

// Login はログインページを返す。
// ログインページはガードせず、常に描画する（保護ページとのリダイレクトループを防ぐ）。
// GET /login
func (h *PageHandler) Login(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	next := guard.SafeRedirect(q.Get("redirect"))

	googleURL := "/auth/google/login"
	if next != "" {
		googleURL += "?redirect=" + url.QueryEscape(next)
	}

	_, signedIn := middleware.SessionFromContext(r.Context())
	resp := map[string]any{
		"page":              "login",
		"redirect":          next,
		"google_login_url":  googleURL,
		"already_signed_in": signedIn,
	}
	if msg, ok := loginErrorMessages[q.Get("error")]; ok {
		resp["error"] = msg
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// SignUp はサインアップページを返す。
// GET /signup
func (h *PageHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	_, signedIn := middleware.SessionFromContext(r.Context())
	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"page":                "signup",
		"min_password_length": model.MinPasswordLength,
		"google_login_url":    "/auth/google/login",
		"already_signed_in":   signedIn,
	})
}

// Dashboard は生徒用ダッシュボードを返す。ガード通過後にのみ呼ばれる。
// プロフィールが読み込めない場合も描画は続ける。
// GET /dashboard
func (h *PageHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		http.Redirect(w, r, guard.LoginURL(r.URL.RequestURI()), http.StatusSeeOther)
		return
	}

	resp := map[string]any{
		"page":           "dashboard",
		"user_id":        sess.UserID,
		"email":          sess.Email,
		"is_admin":       h.roles.Role(r.Context(), sess.Email) != "",
		"profile_loaded": false,
	}
	if p := h.profiles.Ensure(r.Context(), sess); p != nil {
		resp["profile"] = p
		resp["profile_loaded"] = true
	}

	bookings, err := h.records.List(r.Context(), repository.CollectionBookings, repository.Query{
		Filters: []repository.Filter{repository.Eq("user_id", sess.UserID)},
	})
	if err != nil {
		slog.Warn("failed to load bookings",
			slog.String("user_id", sess.UserID),
			slog.String("error", err.Error()),
		)
		bookings = []model.Record{}
	}
	resp["bookings"] = bookings

	middleware.WriteJSON(w, http.StatusOK, resp)
}

// AdminStats は管理画面のサマリー。
type AdminStats struct {
	TotalUsers     int64   `json:"total_users"`
	TotalTests     int64   `json:"total_tests"`
	TotalWebinars  int64   `json:"total_webinars"`
	TotalSessions  int64   `json:"total_sessions"`
	TotalRevenue   float64 `json:"total_revenue"`
	ActiveBookings int64   `json:"active_bookings"`
}

// Admin は管理画面を返す。管理者ガード通過後にのみ呼ばれる。
// 集計の一部が失敗した場合は0として扱い、描画は続ける。
// GET /admin
func (h *PageHandler) Admin(w http.ResponseWriter, r *http.Request) {
	sess, _ := middleware.SessionFromContext(r.Context())

	stats := h.adminStats(r.Context())
	resp := map[string]any{
		"page":        "admin",
		"stats":       stats,
		"collections": repository.CollectionNames(),
	}
	if sess != nil {
		resp["email"] = sess.Email
		resp["role"] = h.roles.Role(r.Context(), sess.Email)
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// adminStats は件数と支払い済み予約の売上を集計する。
// 売上と有効な予約はpayment_status=paidの予約のみを対象とする。
func (h *PageHandler) adminStats(ctx context.Context) AdminStats {
	count := func(collection string, filters ...repository.Filter) int64 {
		n, err := h.records.Count(ctx, collection, filters...)
		if err != nil {
			slog.Warn("failed to count records",
				slog.String("collection", collection),
				slog.String("error", err.Error()),
			)
			return 0
		}
		return n
	}

	paid := repository.Eq("payment_status", "paid")
	revenue, err := h.records.Sum(ctx, repository.CollectionBookings, "amount", paid)
	if err != nil {
		slog.Warn("failed to sum revenue", slog.String("error", err.Error()))
		revenue = 0
	}

	return AdminStats{
		TotalUsers:     count(repository.CollectionProfiles),
		TotalTests:     count(repository.CollectionTestSeries),
		TotalWebinars:  count(repository.CollectionWebinars),
		TotalSessions:  count(repository.CollectionMentorshipSessions),
		TotalRevenue:   revenue,
		ActiveBookings: count(repository.CollectionBookings, paid, repository.Eq("status", "confirmed")),
	}
}
