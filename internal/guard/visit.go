package guard

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/jeementor/internal/session"
)

// Visit は1回のページ訪問に対応する継続的な判定。
// セッション変化イベントを購読し、変化のたびに再判定する。
// 古い判定や閉じた後に完了した判定の結果は破棄する。
type Visit struct {
	g        *Guard
	token    string
	req      Requirement
	returnTo string

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	gen         uint64
	closed      bool
	current     Decision
	inflight    context.CancelFunc
	expiry      *time.Timer
	unsubscribe func()
	updates     chan Decision
}

// Watch はページ訪問の継続判定を開始する。初期状態はchecking。
// 呼び出し側はCloseで必ず終了させること。
func (g *Guard) Watch(ctx context.Context, token string, req Requirement, returnTo string) *Visit {
	vctx, cancel := context.WithCancel(ctx)
	v := &Visit{
		g:        g,
		token:    token,
		req:      req,
		returnTo: returnTo,
		ctx:      vctx,
		cancel:   cancel,
		current:  Decision{State: StateChecking},
		updates:  make(chan Decision, 1),
	}

	if token != "" {
		v.unsubscribe = g.sessions.OnSessionChange(v.onSessionChange, session.WithToken(token))
	}
	v.reevaluate()
	return v
}

// Updates は判定結果の通知チャネルを返す。未読の古い結果は最新の結果で置き換えられる。
// Close後にクローズされる。
func (v *Visit) Updates() <-chan Decision {
	return v.updates
}

// Current は直近の判定結果を返す。
func (v *Visit) Current() Decision {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Close は購読を解除し、実行中の判定を破棄する。
func (v *Visit) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	if v.inflight != nil {
		v.inflight()
	}
	if v.expiry != nil {
		v.expiry.Stop()
	}
	unsubscribe := v.unsubscribe
	close(v.updates)
	v.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	v.cancel()
}

func (v *Visit) onSessionChange(ev session.Event) {
	if ev.Type == session.EventInitialSession {
		return
	}
	v.reevaluate()
}

// reevaluate は新しい世代の判定を開始し、進行中の判定を取り消す。
func (v *Visit) reevaluate() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	if v.inflight != nil {
		v.inflight()
	}
	v.gen++
	gen := v.gen
	ctx, cancel := context.WithCancel(v.ctx)
	v.inflight = cancel
	v.mu.Unlock()

	go func() {
		defer cancel()
		d := v.g.Evaluate(ctx, v.token, v.req, v.returnTo)
		v.apply(gen, d)
	}()
}

// apply は世代が最新でかつ訪問が生きている場合のみ結果を反映する。
func (v *Visit) apply(gen uint64, d Decision) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed || gen != v.gen {
		return
	}
	v.current = d
	v.inflight = nil

	// 有効期限でも再判定する
	if v.expiry != nil {
		v.expiry.Stop()
		v.expiry = nil
	}
	if d.State == StateAuthorized && d.Session != nil {
		if until := time.Until(d.Session.ExpiresAt); until > 0 {
			v.expiry = time.AfterFunc(until, v.reevaluate)
		}
	}

	select {
	case <-v.updates:
	default:
	}
	v.updates <- d
}
