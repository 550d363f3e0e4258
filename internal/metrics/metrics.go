// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービス、ガード、同期処理から利用する。
type MetricsCollector interface {
	RecordSignIn(provider, result string)
	RecordGuardDecision(requirement, state string, duration time.Duration)
	RecordProfileReconcile(result string)
	RecordAdminCheck(result string)
	RecordSessionEvent(eventType string)
	RecordCleanup(target string, count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	signIn         *prometheus.CounterVec
	guardDecisions *prometheus.CounterVec
	guardLatency   prometheus.Histogram
	profileSync    *prometheus.CounterVec
	adminChecks    *prometheus.CounterVec
	sessionEvents  *prometheus.CounterVec
	cleanupDeleted *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jeementor_sign_in_total",
			Help: "プロバイダー・結果別のサインイン試行数",
		}, []string{"provider", "result"}),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jeementor_guard_decisions_total",
			Help: "要求レベル・最終状態別のガード判定数",
		}, []string{"requirement", "state"}),
		guardLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jeementor_guard_check_seconds",
			Help:    "ガード判定にかかった時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		profileSync: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jeementor_profile_reconcile_total",
			Help: "結果別のプロフィール同期数",
		}, []string{"result"}),
		adminChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jeementor_admin_check_total",
			Help: "結果別の管理者判定数",
		}, []string{"result"}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jeementor_session_events_total",
			Help: "種別ごとのセッションイベント数",
		}, []string{"type"}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jeementor_cleanup_deleted_total",
			Help: "クリーンアップで削除・無効化された行数",
		}, []string{"target"}),
	}

	reg.MustRegister(
		c.signIn,
		c.guardDecisions,
		c.guardLatency,
		c.profileSync,
		c.adminChecks,
		c.sessionEvents,
		c.cleanupDeleted,
	)

	return c
}

// RecordSignIn はサインイン試行を記録する。
func (c *Collector) RecordSignIn(provider, result string) {
	c.signIn.WithLabelValues(provider, result).Inc()
}

// RecordGuardDecision はガード判定の結果と所要時間を記録する。
func (c *Collector) RecordGuardDecision(requirement, state string, duration time.Duration) {
	c.guardDecisions.WithLabelValues(requirement, state).Inc()
	c.guardLatency.Observe(duration.Seconds())
}

// RecordProfileReconcile はプロフィール同期の結果を記録する。
func (c *Collector) RecordProfileReconcile(result string) {
	c.profileSync.WithLabelValues(result).Inc()
}

// RecordAdminCheck は管理者判定の結果を記録する。
func (c *Collector) RecordAdminCheck(result string) {
	c.adminChecks.WithLabelValues(result).Inc()
}

// RecordSessionEvent はセッションイベントの発行を記録する。
func (c *Collector) RecordSessionEvent(eventType string) {
	c.sessionEvents.WithLabelValues(eventType).Inc()
}

// RecordCleanup はクリーンアップで処理した行数を記録する。
func (c *Collector) RecordCleanup(target string, count int64) {
	c.cleanupDeleted.WithLabelValues(target).Add(float64(count))
}

// Noop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Noop struct{}

func (Noop) RecordSignIn(string, string)                       {}
func (Noop) RecordGuardDecision(string, string, time.Duration) {}
func (Noop) RecordProfileReconcile(string)                     {}
func (Noop) RecordAdminCheck(string)                           {}
func (Noop) RecordSessionEvent(string)                         {}
func (Noop) RecordCleanup(string, int64)                       {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Noop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
