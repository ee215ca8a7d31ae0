package authclient

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound はキーが存在しないことを示す。
var ErrNotFound = errors.New("storage key not found")

// WatchAll は変更されたキーを特定できない場合（再接続直後など）にWatchが通知する値。
// 受信側はすべてのキーが変更された可能性があるものとして扱う。
const WatchAll = ""

// Storage はセッションとPKCE verifierの永続化先。
// ダッシュボードと共有され、Watchの変更通知がセッション変更通知チャネルとなる。
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Watch は変更されたキーを通知するチャネルを返す。ctxの終了でチャネルはcloseされる。
	Watch(ctx context.Context) (<-chan string, error)
}

// MemoryStorage はプロセス内のStorage実装。
// 単一プロセス構成やテストで使用する。
type MemoryStorage struct {
	mu       sync.Mutex
	values   map[string][]byte
	watchers map[chan string]struct{}
}

// NewMemoryStorage は新しいMemoryStorageを生成する。
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		values:   make(map[string][]byte),
		watchers: make(map[chan string]struct{}),
	}
}

// Get は値を返す。存在しない場合はErrNotFoundを返す。
func (m *MemoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set は値を保存し、変更を通知する。
func (m *MemoryStorage) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[key] = append([]byte(nil), value...)
	m.notifyLocked(key)
	return nil
}

// Delete は値を削除し、変更を通知する。存在しないキーでもエラーにならない。
func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.values[key]; !ok {
		return nil
	}
	delete(m.values, key)
	m.notifyLocked(key)
	return nil
}

// Watch は変更通知チャネルを返す。
func (m *MemoryStorage) Watch(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 16)

	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		close(ch)
		m.mu.Unlock()
	}()

	return ch, nil
}

// notifyLocked は全ウォッチャーへキーを通知する。
// 受信が詰まっているウォッチャーへの通知は破棄する。受信側は通知のたびに最新値を読み直す。
func (m *MemoryStorage) notifyLocked(key string) {
	for ch := range m.watchers {
		select {
		case ch <- key:
		default:
		}
	}
}
