package authclient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// NotifyChannel はauth_storageの変更を通知するPostgreSQLのチャネル名。
// マイグレーションで作成するトリガーが変更されたキーをペイロードとしてpg_notifyする。
const NotifyChannel = "auth_storage_changed"

// PostgresStorage はauth_storageテーブルを使用するStorage実装。
// 変更通知はLISTEN/NOTIFYで受け取る。
type PostgresStorage struct {
	db          *sql.DB
	databaseURL string
	logger      *slog.Logger
}

// NewPostgresStorage は新しいPostgresStorageを生成する。
// databaseURLはLISTEN専用接続の確立に使用する。
func NewPostgresStorage(db *sql.DB, databaseURL string, logger *slog.Logger) *PostgresStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStorage{db: db, databaseURL: databaseURL, logger: logger}
}

// Get は値を返す。存在しない場合はErrNotFoundを返す。
func (s *PostgresStorage) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM auth_storage WHERE key = $1`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auth storage %q: %w", key, err)
	}
	return value, nil
}

// Set は値をUPSERTする。
func (s *PostgresStorage) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_storage (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("failed to set auth storage %q: %w", key, err)
	}
	return nil
}

// Delete は値を削除する。存在しないキーでもエラーにならない。
func (s *PostgresStorage) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_storage WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete auth storage %q: %w", key, err)
	}
	return nil
}

// Watch はLISTEN接続を確立し、変更されたキーを通知するチャネルを返す。
// 再接続直後は通知の欠落があり得るため、WatchAllを送る。
func (s *PostgresStorage) Watch(ctx context.Context) (<-chan string, error) {
	listener := pq.NewListener(s.databaseURL, 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				s.logger.Warn("auth_storage LISTEN接続でエラーが発生しました",
					slog.Int("event", int(ev)),
					slog.String("error", err.Error()),
				)
			}
		},
	)
	if err := listener.Listen(NotifyChannel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer listener.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				key := WatchAll
				if n != nil {
					key = n.Extra
				}
				select {
				case out <- key:
				case <-ctx.Done():
					return
				}
			case <-time.After(90 * time.Second):
				go func() {
					if err := listener.Ping(); err != nil {
						s.logger.Warn("auth_storage LISTEN接続の死活確認に失敗しました",
							slog.String("error", err.Error()),
						)
					}
				}()
			}
		}
	}()

	return out, nil
}
