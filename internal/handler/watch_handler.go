package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/jeementor/internal/guard"
	"github.com/hitoshi/jeementor/internal/middleware"
	"github.com/hitoshi/jeementor/internal/model"
)

// watchHeartbeatInterval はSSE接続を維持するためのコメント送信間隔。
const watchHeartbeatInterval = 25 * time.Second

// PageWatcher はページ訪問の継続判定を開始する。guard.Guardが実装する。
type PageWatcher interface {
	Watch(ctx context.Context, token string, req guard.Requirement, returnTo string) *guard.Visit
}

// WatchHandler は保護ページのガード状態をServer-Sent Eventsで配信する。
// 別のタブでのサインアウトやセッション期限切れを開いているページに伝える。
type WatchHandler struct {
	guard     PageWatcher
	heartbeat time.Duration
}

// NewWatchHandler はWatchHandlerを生成する。
func NewWatchHandler(g PageWatcher) *WatchHandler {
	return &WatchHandler{guard: g, heartbeat: watchHeartbeatInterval}
}

// Watch はページのガード判定をストリームで返す。
// 最初にchecking、その後は判定が変わるたびにdecisionイベントを送る。
// redirectingを送った時点でストリームを終了する。
// GET /api/session/watch?page=/dashboard
func (h *WatchHandler) Watch(w http.ResponseWriter, r *http.Request) {
	page := r.URL.Query().Get("page")
	req, ok := guard.ForPage(page)
	if !ok {
		middleware.WriteError(w, model.NewInvalidRequestError("page must be a protected page"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		middleware.WriteInternalServerError(w)
		return
	}
	// ストリーム中はサーバーの書き込みタイムアウトを外す
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		slog.Debug("failed to clear write deadline", slog.String("error", err.Error()))
	}

	visit := h.guard.Watch(r.Context(), middleware.TokenFromRequest(r), req, page)
	defer visit.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeDecisionEvent(w, visit.Current()); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case d, ok := <-visit.Updates():
			if !ok {
				return
			}
			if err := writeDecisionEvent(w, d); err != nil {
				return
			}
			flusher.Flush()
			if d.State == guard.StateRedirecting {
				return
			}
		}
	}
}

func writeDecisionEvent(w http.ResponseWriter, d guard.Decision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: decision\ndata: %s\n\n", data)
	return err
}
