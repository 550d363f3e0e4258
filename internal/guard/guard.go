// Package guard はセッションと管理者権限に基づいて保護ページの表示可否を判定する。
package guard

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/jeementor/internal/metrics"
	"github.com/hitoshi/jeementor/internal/model"
	"github.com/hitoshi/jeementor/internal/session"
)

// State はページ訪問ごとのガードの状態。
type State string

const (
	// StateChecking は判定中（初期状態）。
	StateChecking State = "checking"
	// StateAuthorized は保護コンテンツを表示してよい状態。
	StateAuthorized State = "authorized"
	// StateRedirecting は何も表示せず別ページへ遷移する状態。
	StateRedirecting State = "redirecting"
)

// Reason はリダイレクトの理由。
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonUnauthenticated Reason = "unauthenticated"
	ReasonForbidden       Reason = "forbidden"
)

const (
	// LoginPath はログインページ。ガードの対象にはならない。
	LoginPath = "/login"
	// HomePath は権限不足の場合の遷移先。
	HomePath = "/"
	// DefaultTimeout は判定全体のタイムアウトのデフォルト値。
	DefaultTimeout = 5 * time.Second
)

// Requirement はページが要求する権限レベル。
type Requirement struct {
	RequireAdmin bool
}

func (r Requirement) label() string {
	if r.RequireAdmin {
		return "admin"
	}
	return "session"
}

// Decision はガードの判定結果。
type Decision struct {
	State      State          `json:"state"`
	Reason     Reason         `json:"reason,omitempty"`
	RedirectTo string         `json:"redirect_to,omitempty"`
	Session    *model.Session `json:"-"`
}

// SessionSource はガードが参照するセッションサービス。session.Storeが実装する。
type SessionSource interface {
	GetCurrentSession(ctx context.Context, token string) *model.Session
	OnSessionChange(handler session.Handler, opts ...session.SubscribeOption) (unsubscribe func())
}

// AdminChecker はメールアドレスの管理者権限を判定する。role.Resolverが実装する。
type AdminChecker interface {
	IsAdmin(ctx context.Context, email string) bool
}

// Config はGuardの設定。
type Config struct {
	// Timeout は1回の判定にかける最大時間。超過した場合は未ログインとして扱う。
	Timeout time.Duration
}

// Guard は保護ページの判定を行う。すべての判定はエラー時に拒否する。
type Guard struct {
	sessions SessionSource
	admins   AdminChecker
	timeout  time.Duration
	metrics  metrics.MetricsCollector
}

// NewGuard はGuardを生成する。
func NewGuard(sessions SessionSource, admins AdminChecker, cfg Config, m metrics.MetricsCollector) *Guard {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Guard{
		sessions: sessions,
		admins:   admins,
		timeout:  cfg.Timeout,
		metrics:  m,
	}
}

// Evaluate はトークンのセッションが要求を満たすかを判定する。
// 結果はauthorizedまたはredirectingのいずれか。
//
// 処理フロー:
//  1. セッションを解決（なければログインページへ。returnToを引き継ぐ）
//  2. 管理者が必要な場合はRole Resolverで判定（falseならホームへ）
//  3. それ以外はauthorized
//
// タイムアウトした場合は未ログインとして扱う。
func (g *Guard) Evaluate(ctx context.Context, token string, req Requirement, returnTo string) Decision {
	start := time.Now()
	d := g.evaluate(ctx, token, req, returnTo)
	g.metrics.RecordGuardDecision(req.label(), string(d.State), time.Since(start))
	return d
}

func (g *Guard) evaluate(ctx context.Context, token string, req Requirement, returnTo string) Decision {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// プロバイダーがctxを無視して応答しない場合もtimeoutで打ち切る
	ch := make(chan Decision, 1)
	go func() {
		ch <- g.check(ctx, token, req, returnTo)
	}()

	select {
	case d := <-ch:
		return d
	case <-ctx.Done():
		slog.Warn("auth check did not complete; treating as signed out",
			slog.String("requirement", req.label()),
			slog.String("error", ctx.Err().Error()),
		)
		return ToLogin(returnTo)
	}
}

func (g *Guard) check(ctx context.Context, token string, req Requirement, returnTo string) Decision {
	// 1. セッション
	sess := g.sessions.GetCurrentSession(ctx, token)
	if sess == nil {
		return ToLogin(returnTo)
	}

	// 2. 管理者権限
	if req.RequireAdmin && !g.admins.IsAdmin(ctx, sess.Email) {
		return Decision{State: StateRedirecting, Reason: ReasonForbidden, RedirectTo: HomePath}
	}
	if ctx.Err() != nil {
		return ToLogin(returnTo)
	}

	// 3. 許可
	return Decision{State: StateAuthorized, Session: sess}
}

// ToLogin はログインページへのリダイレクト判定を返す。
// returnToがローカルパスの場合のみ redirect パラメータとして引き継ぐ。
func ToLogin(returnTo string) Decision {
	return Decision{
		State:      StateRedirecting,
		Reason:     ReasonUnauthenticated,
		RedirectTo: LoginURL(returnTo),
	}
}

// LoginURL は戻り先付きのログインページURLを返す。
func LoginURL(returnTo string) string {
	target := SafeRedirect(returnTo)
	if target == "" || target == HomePath || isLoginPath(target) {
		return LoginPath
	}
	return LoginPath + "?redirect=" + url.QueryEscape(target)
}

// SafeRedirect はtargetが同一オリジンのパスであればそのまま返し、それ以外は空文字列を返す。
func SafeRedirect(target string) string {
	target = strings.TrimSpace(target)
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return ""
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return ""
	}
	return target
}

func isLoginPath(p string) bool {
	return p == LoginPath || strings.HasPrefix(p, LoginPath+"?") || strings.HasPrefix(p, LoginPath+"/")
}

// protectedPages はページパスと要求レベルの対応。/loginは含めない。
var protectedPages = map[string]Requirement{
	"/dashboard": {},
	"/admin":     {RequireAdmin: true},
}

// ForPage は保護ページの要求レベルを返す。保護対象でない場合はfalse。
func ForPage(path string) (Requirement, bool) {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimRight(path, "/")
	for prefix, req := range protectedPages {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return req, true
		}
	}
	return Requirement{}, false
}
