package authclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix     = "authportal:storage:"
	redisChangeChannel = "authportal:storage:changed"
)

// RedisStorage はRedisを使用するStorage実装。
// 書き込みと同時に変更チャネルへキーをPUBLISHする。
type RedisStorage struct {
	client *redis.Client
}

// NewRedisStorage は新しいRedisStorageを生成する。
func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

// Get は値を返す。存在しない場合はErrNotFoundを返す。
func (s *RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auth storage %q: %w", key, err)
	}
	return value, nil
}

// Set は値を保存し、変更をPUBLISHする。
func (s *RedisStorage) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKeyPrefix+key, value, 0)
		pipe.Publish(ctx, redisChangeChannel, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set auth storage %q: %w", key, err)
	}
	return nil
}

// Delete は値を削除し、変更をPUBLISHする。
func (s *RedisStorage) Delete(ctx context.Context, key string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisKeyPrefix+key)
		pipe.Publish(ctx, redisChangeChannel, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete auth storage %q: %w", key, err)
	}
	return nil
}

// Watch は変更チャネルを購読する。購読の確立を確認してから返る。
func (s *RedisStorage) Watch(ctx context.Context) (<-chan string, error) {
	pubsub := s.client.Subscribe(ctx, redisChangeChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", redisChangeChannel, err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
