// Package cleanup はauth_storageに残ったPKCE code verifierの自動削除ジョブを提供する。
// サインインを開始したままコールバックまで到達しなかった場合、verifierは削除されずに残る。
// 保持期間（デフォルト10分）を超過したverifierを定期的に削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/authportal/internal/authclient"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は保持期間を超過したcode verifierの削除ジョブ。
// 冪等な削除処理を保証する。
type CleanupJob struct {
	db        Executor
	logger    *slog.Logger
	Retention time.Duration // verifierの保持期間（デフォルト: 10分）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持期間は10分。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:        db,
		logger:    logger,
		Retention: 10 * time.Minute,
	}
}

// Run は保持期間を超過したcode verifierを削除する。
// キーがCodeVerifierSuffixで終わり、updated_atがRetentionより古い行をDELETEする。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d seconds", int64(j.Retention/time.Second))

	query := `DELETE FROM auth_storage WHERE key LIKE '%' || $1 AND updated_at < now() - $2::interval`
	result, err := j.db.ExecContext(ctx, query, authclient.CodeVerifierSuffix, interval)
	if err != nil {
		j.logger.Error("code verifierクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return fmt.Errorf("code verifierクリーンアップの実行に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("code verifierクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回Runを実行し、以降はinterval間隔で実行する。
// コンテキストがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("code verifierクリーンアップを開始しました",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("code verifierクリーンアップを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
