package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/jeementor/internal/middleware"
	"github.com/hitoshi/jeementor/internal/model"
	"github.com/hitoshi/jeementor/internal/repository"
)

// bookingItemCollections は予約種別と予約対象のコレクションの対応。
var bookingItemCollections = map[string]string{
	"test":       repository.CollectionTestSeries,
	"webinar":    repository.CollectionWebinars,
	"mentorship": repository.CollectionMentorshipSessions,
}

// mentorPublicFields は公開APIで返すメンタープロフィールの項目。
// email, plan, providerは本人と管理者だけが見る。
var mentorPublicFields = []string{
	"id",
	"full_name",
	"avatar_url",
	"mentor_subjects",
	"mentor_specialization",
	"mentor_rating",
	"mentor_experience",
	"is_available",
}

// CatalogHandler は公開カタログと予約のハンドラー。
type CatalogHandler struct {
	records repository.RecordStore
}

// NewCatalogHandler はCatalogHandlerを生成する。
func NewCatalogHandler(records repository.RecordStore) *CatalogHandler {
	return &CatalogHandler{records: records}
}

// ListTestSeries は公開中のテストシリーズを実施日順に返す。
// GET /api/test-series
func (h *CatalogHandler) ListTestSeries(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, repository.CollectionTestSeries, repository.Query{
		Filters: []repository.Filter{repository.Eq("is_active", true)},
		Sort:    repository.Sort{Column: "test_date"},
	})
}

// ListWebinars は公開中のウェビナーを開催日順に返す。
// GET /api/webinars
func (h *CatalogHandler) ListWebinars(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, repository.CollectionWebinars, repository.Query{
		Filters: []repository.Filter{repository.Eq("is_active", true)},
		Sort:    repository.Sort{Column: "webinar_date"},
	})
}

// ListMentors はメンターのプロフィールを返す。
// GET /api/mentors
func (h *CatalogHandler) ListMentors(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, repository.CollectionProfiles, repository.Query{
		Filters: []repository.Filter{repository.Eq("is_mentor", true)},
		Sort:    repository.Sort{Column: "mentor_rating", Desc: true},
	}, mentorPublicFields...)
}

// list はコレクションを一覧する。fieldsを指定した場合はその項目だけを返す。
func (h *CatalogHandler) list(w http.ResponseWriter, r *http.Request, collection string, q repository.Query, fields ...string) {
	limit, err := parseLimit(r)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	q.Limit = limit

	records, err := h.records.List(r.Context(), collection, q)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if records == nil {
		records = []model.Record{}
	}
	if len(fields) > 0 {
		for i, rec := range records {
			records[i] = pick(rec, fields)
		}
	}
	middleware.WriteJSON(w, http.StatusOK, records)
}

func pick(rec model.Record, fields []string) model.Record {
	out := make(model.Record, len(fields))
	for _, f := range fields {
		if v, ok := rec[f]; ok {
			out[f] = v
		}
	}
	return out
}

// parseLimit は?limitを解釈する。未指定の場合は0（ストアのデフォルト）を返す。
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > repository.MaxListLimit {
		return 0, model.NewInvalidRequestError("limit must be between 1 and " + strconv.Itoa(repository.MaxListLimit))
	}
	return n, nil
}

type createBookingRequest struct {
	BookingType string `json:"booking_type" validate:"required,oneof=test webinar mentorship"`
	ItemID      string `json:"item_id" validate:"required,uuid"`
}

// CreateBooking はログイン中のユーザーの予約を作成する。
// 金額はクライアントの値を使わず、予約対象の価格から決める。
// POST /api/bookings
//
// 処理フロー:
//  1. リクエストを検証
//  2. 予約対象を取得（なければ404）
//  3. status=pendingで予約を作成
func (h *CatalogHandler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	var req createBookingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, err)
		return
	}

	collection := bookingItemCollections[req.BookingType]
	item, err := h.records.Get(r.Context(), collection, req.ItemID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	if item == nil {
		middleware.WriteError(w, model.NewRecordNotFoundError(collection, req.ItemID))
		return
	}

	price, _ := item["price"].(float64)
	booking, err := h.records.Create(r.Context(), repository.CollectionBookings, model.Record{
		"user_id":      userID,
		"booking_type": req.BookingType,
		"item_id":      req.ItemID,
		"amount":       price,
		"status":       "pending",
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	slog.Info("booking created",
		slog.String("user_id", userID),
		slog.String("booking_type", req.BookingType),
		slog.String("booking_id", booking.ID()),
	)
	middleware.WriteJSON(w, http.StatusCreated, booking)
}
