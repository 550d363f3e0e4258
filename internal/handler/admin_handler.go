package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/jeementor/internal/middleware"
	"github.com/hitoshi/jeementor/internal/model"
	"github.com/hitoshi/jeementor/internal/repository"
	"github.com/hitoshi/jeementor/internal/role"
	"github.com/hitoshi/jeementor/internal/security"
)

// 管理画面から書き込まれる値の無害化ルール。
var (
	richTextFields = map[string]struct{}{"description": {}, "syllabus": {}, "notes": {}}
	plainTextField = map[string]struct{}{"title": {}, "mentor_specialization": {}, "mentor_experience": {}, "category": {}}
	urlFields      = map[string]struct{}{"thumbnail_url": {}, "recording_url": {}, "meeting_link": {}}
)

// AdminRoleManager は管理者許可リストの操作。role.Resolverが実装する。
type AdminRoleManager interface {
	Grant(ctx context.Context, email, role string) (*model.AdminUser, error)
	Revoke(ctx context.Context, email string) error
	List(ctx context.Context) ([]*model.AdminUser, error)
}

// AdminHandler は管理画面の汎用CRUDハンドラー。管理者ガードの後ろに置く。
type AdminHandler struct {
	records   repository.RecordStore
	roles     AdminRoleManager
	sanitizer *security.Sanitizer
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(records repository.RecordStore, roles AdminRoleManager, sanitizer *security.Sanitizer) *AdminHandler {
	return &AdminHandler{records: records, roles: roles, sanitizer: sanitizer}
}

// List はコレクションのレコードを返す。
// クエリパラメータ: sort, desc=true, limit, それ以外は等価フィルタ（カラム名=値）。
// GET /api/admin/{collection}
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")
	c, err := repository.LookupCollection(name)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	q, err := parseAdminQuery(c, r)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	records, err := h.records.List(r.Context(), name, q)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if records == nil {
		records = []model.Record{}
	}
	middleware.WriteJSON(w, http.StatusOK, records)
}

// Get は指定IDのレコードを返す。
// GET /api/admin/{collection}/{id}
func (h *AdminHandler) Get(w http.ResponseWriter, r *http.Request) {
	name, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")
	rec, err := h.records.Get(r.Context(), name, id)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if rec == nil {
		middleware.WriteError(w, model.NewRecordNotFoundError(name, id))
		return
	}
	middleware.WriteJSON(w, http.StatusOK, rec)
}

// Create はレコードを作成する。
// POST /api/admin/{collection}
func (h *AdminHandler) Create(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "collection")
	values, err := h.decodeValues(w, r)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	rec, err := h.records.Create(r.Context(), name, values)
	if err != nil {
		writeRecordError(w, err)
		return
	}
	h.audit(r, "record created", name, rec.ID())
	middleware.WriteJSON(w, http.StatusCreated, rec)
}

// Update はレコードを部分更新する。
// PUT /api/admin/{collection}/{id}
func (h *AdminHandler) Update(w http.ResponseWriter, r *http.Request) {
	name, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")
	values, err := h.decodeValues(w, r)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	rec, err := h.records.Update(r.Context(), name, id, values)
	if err != nil {
		writeRecordError(w, err)
		return
	}
	if rec == nil {
		middleware.WriteError(w, model.NewRecordNotFoundError(name, id))
		return
	}
	h.audit(r, "record updated", name, id)
	middleware.WriteJSON(w, http.StatusOK, rec)
}

// Delete はレコードを削除する。
// DELETE /api/admin/{collection}/{id}
func (h *AdminHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")
	deleted, err := h.records.Delete(r.Context(), name, id)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if !deleted {
		middleware.WriteError(w, model.NewRecordNotFoundError(name, id))
		return
	}
	h.audit(r, "record deleted", name, id)
	w.WriteHeader(http.StatusNoContent)
}

// ListAdmins は管理者許可リストを返す。
// GET /api/admin/admins
func (h *AdminHandler) ListAdmins(w http.ResponseWriter, r *http.Request) {
	admins, err := h.roles.List(r.Context())
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if admins == nil {
		admins = []*model.AdminUser{}
	}
	middleware.WriteJSON(w, http.StatusOK, admins)
}

type grantAdminRequest struct {
	Role string `json:"role" validate:"omitempty,max=50"`
}

// GrantAdmin はemailを許可リストに追加する。
// PUT /api/admin/admins/{email}
func (h *AdminHandler) GrantAdmin(w http.ResponseWriter, r *http.Request) {
	var req grantAdminRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, err)
			return
		}
	}

	admin, err := h.roles.Grant(r.Context(), chi.URLParam(r, "email"), h.sanitizer.Text(req.Role))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, admin)
}

// RevokeAdmin はemailを許可リストから削除する。
// DELETE /api/admin/admins/{email}
func (h *AdminHandler) RevokeAdmin(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	if sess, ok := middleware.SessionFromContext(r.Context()); ok && sameEmail(sess.Email, email) {
		middleware.WriteError(w, model.NewInvalidRequestError("You cannot revoke your own admin access"))
		return
	}
	if err := h.roles.Revoke(r.Context(), email); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sameEmail は正規化後のemailが一致するかを返す。
func sameEmail(a, b string) bool {
	na, errA := role.NormalizeEmail(a)
	nb, errB := role.NormalizeEmail(b)
	return errA == nil && errB == nil && na == nb
}

// decodeValues はボディをレコードとして読み、文字列フィールドを無害化する。
// カラムの存在と書き込み可否の検証はストアが行う。
func (h *AdminHandler) decodeValues(w http.ResponseWriter, r *http.Request) (model.Record, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	var values model.Record
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		return nil, model.NewInvalidRequestError("Request body must be a JSON object")
	}
	if len(values) == 0 {
		return nil, model.NewInvalidRequestError("Request body must contain at least one field")
	}

	for name, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if _, ok := richTextFields[name]; ok {
			values[name] = h.sanitizer.RichText(s)
			continue
		}
		if _, ok := plainTextField[name]; ok {
			values[name] = h.sanitizer.Text(s)
			continue
		}
		if _, ok := urlFields[name]; ok {
			if s == "" {
				continue
			}
			safe := h.sanitizer.URL(s)
			if safe == "" {
				return nil, model.NewInvalidRequestError(fmt.Sprintf("%s must be an http or https URL", name))
			}
			values[name] = safe
		}
	}
	return values, nil
}

func (h *AdminHandler) audit(r *http.Request, msg, collection, id string) {
	attrs := []any{
		slog.String("collection", collection),
		slog.String("id", id),
	}
	if sess, ok := middleware.SessionFromContext(r.Context()); ok {
		attrs = append(attrs, slog.String("admin_user_id", sess.UserID))
	}
	slog.Info(msg, attrs...)
}

// writeRecordError は一意制約違反を400に変換して書き込む。
func writeRecordError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrDuplicate) {
		middleware.WriteError(w, model.NewInvalidRequestError("A record with the same key already exists"))
		return
	}
	middleware.WriteError(w, err)
}

// parseAdminQuery はクエリパラメータをQueryに変換する。
// フィルタ値はカラム種別に合わせて解釈する。
func parseAdminQuery(c *repository.Collection, r *http.Request) (repository.Query, error) {
	var q repository.Query
	params := r.URL.Query()

	limit, err := parseLimit(r)
	if err != nil {
		return q, err
	}
	q.Limit = limit

	if s := params.Get("sort"); s != "" {
		q.Sort = repository.Sort{Column: s, Desc: params.Get("desc") == "true"}
	}

	for name, vals := range params {
		switch name {
		case "sort", "desc", "limit":
			continue
		}
		col, ok := c.Column(name)
		if !ok {
			return q, model.NewUnknownColumnError(c.Name, name)
		}
		v, err := filterValue(c.Name, col, vals[0])
		if err != nil {
			return q, err
		}
		q.Filters = append(q.Filters, repository.Eq(name, v))
	}
	return q, nil
}

// filterValue はクエリ文字列をカラム種別の値に変換する。
func filterValue(collection string, col repository.Column, raw string) (any, error) {
	invalid := model.NewInvalidRequestError(fmt.Sprintf("invalid filter value for %s.%s", collection, col.Name))
	switch col.Kind {
	case repository.KindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, invalid
		}
		return b, nil
	case repository.KindInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, invalid
		}
		return n, nil
	case repository.KindNumeric:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, invalid
		}
		return f, nil
	case repository.KindTextArray:
		return nil, invalid
	default:
		return raw, nil
	}
}
