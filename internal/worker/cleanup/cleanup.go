// Package cleanup は期限切れセッションと使われなかったメール確認トークンの定期削除ジョブを提供する。
// どちらの削除も冪等で、対象がない場合もエラーにならない。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/jeementor/internal/metrics"
)

// 削除対象のラベル。メトリクスとログで使う。
const (
	TargetSessions           = "sessions"
	TargetConfirmationTokens = "confirmation_tokens"
)

// DefaultInterval はLoopに0以下の間隔が渡されたときに使う実行間隔。
const DefaultInterval = 24 * time.Hour

// ExpiredSessionDeleter は期限切れセッションを削除する。repository.SessionRepositoryが実装する。
type ExpiredSessionDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// StaleTokenDeleter は古い確認トークンを無効化する。repository.IdentityRepositoryが実装する。
type StaleTokenDeleter interface {
	DeleteStaleConfirmationTokens(ctx context.Context, maxAge time.Duration) (int64, error)
}

// CleanupJob は認証データの定期削除ジョブ。
type CleanupJob struct {
	sessions   ExpiredSessionDeleter
	identities StaleTokenDeleter
	logger     *slog.Logger
	metrics    metrics.MetricsCollector

	// TokenMaxAge はメール確認トークンの有効期間。これより古い未使用トークンを無効化する。
	TokenMaxAge time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(sessions ExpiredSessionDeleter, identities StaleTokenDeleter, tokenMaxAge time.Duration, logger *slog.Logger, m metrics.MetricsCollector) *CleanupJob {
	if m == nil {
		m = metrics.Noop{}
	}
	return &CleanupJob{
		sessions:    sessions,
		identities:  identities,
		logger:      logger,
		metrics:     m,
		TokenMaxAge: tokenMaxAge,
	}
}

// Run は期限切れセッションと古い確認トークンを削除する。
// 片方が失敗してももう片方は実行し、両方のエラーをまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	sessionErr := j.step(ctx, TargetSessions, j.sessions.DeleteExpired)
	tokenErr := j.step(ctx, TargetConfirmationTokens, func(ctx context.Context) (int64, error) {
		return j.identities.DeleteStaleConfirmationTokens(ctx, j.TokenMaxAge)
	})

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		slog.Bool("ok", sessionErr == nil && tokenErr == nil),
	)
	return errors.Join(sessionErr, tokenErr)
}

func (j *CleanupJob) step(ctx context.Context, target string, fn func(context.Context) (int64, error)) error {
	deleted, err := fn(ctx)
	if err != nil {
		j.logger.Error("クリーンアップに失敗しました",
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("cleanup %s: %w", target, err)
	}

	j.metrics.RecordCleanup(target, deleted)
	j.logger.Info("クリーンアップを実行しました",
		slog.String("target", target),
		slog.Int64("deleted_count", deleted),
	)
	return nil
}

// Loop はctxが終了するまでintervalごとにRunを実行する。起動直後にも1回実行する。
// Runのエラーはログに記録して次回に持ち越す。intervalが0以下ならDefaultIntervalを使う。
func (j *CleanupJob) Loop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		j.logger.Warn("クリーンアップ間隔が不正なため既定値を使います",
			slog.Duration("interval", interval),
			slog.Duration("default", DefaultInterval),
		)
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := j.Run(ctx); err != nil && ctx.Err() == nil {
			j.logger.Warn("クリーンアップジョブは次回再試行します", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
