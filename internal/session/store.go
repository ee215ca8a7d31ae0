package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hitoshi/authportal/internal/model"
)

// Snapshot はある時点のセッション状態。
// IsLoadingがtrueの間は状態不明を意味し、未サインインとして扱ってはならない。
type Snapshot struct {
	Identity  *model.Identity
	IsLoading bool
}

// Authenticated は状態が確定しており、かつサインイン済みであるかを返す。
func (s Snapshot) Authenticated() bool {
	return !s.IsLoading && s.Identity != nil
}

// Store はセッション状態を保持する。
// 読み取りは任意の数のゴルーチンから並行に行える。
// 書き込みはパッケージ内のChange Listenerのみが行う。
type Store struct {
	current atomic.Pointer[Snapshot]

	ready     chan struct{}
	readyOnce sync.Once

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	ch   chan Snapshot
	once sync.Once
}

// NewStore は初期状態 {nil, loading} のStoreを生成する。
func NewStore() *Store {
	s := &Store{
		ready:       make(chan struct{}),
		subscribers: make(map[*subscriber]struct{}),
	}
	s.current.Store(&Snapshot{IsLoading: true})
	return s
}

// Snapshot は現在の状態を返す。
func (s *Store) Snapshot() Snapshot {
	return *s.current.Load()
}

// Ready は初回イベントの処理完了時にcloseされるチャネルを返す。
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// WaitReady は状態が確定するまで待機する。
// ctxが先に終了した場合はctx.Err()を返す。
func (s *Store) WaitReady(ctx context.Context) (Snapshot, error) {
	select {
	case <-s.ready:
		return s.Snapshot(), nil
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

// Subscribe は状態変更を受け取るチャネルと解除関数を返す。
// チャネルには現在の状態が最初に届く。
// 受信が遅れた場合、未受信の古い状態は最新の状態で置き換えられる。
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	sub := &subscriber{ch: make(chan Snapshot, 1)}

	s.mu.Lock()
	sub.ch <- s.Snapshot()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, sub)
			close(sub.ch)
			s.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// setIdentity はIdentityを置き換える。IsLoadingは変更しない。
func (s *Store) setIdentity(id *model.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := Snapshot{Identity: id, IsLoading: s.current.Load().IsLoading}
	s.current.Store(&next)
	s.publishLocked(next)
}

// resolve はIdentityを置き換え、同時にloadingを解除する。
// 初回の解除であればtrueを返す。
func (s *Store) resolve(id *model.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(id)
}

// markLoaded はIdentityを維持したままloadingを解除する。
// 初回の解除であればtrueを返す。
func (s *Store) markLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(s.current.Load().Identity)
}

func (s *Store) resolveLocked(id *model.Identity) bool {
	first := s.current.Load().IsLoading
	next := Snapshot{Identity: id}
	s.current.Store(&next)
	s.publishLocked(next)

	if first {
		s.readyOnce.Do(func() { close(s.ready) })
	}
	return first
}

func (s *Store) publishLocked(snap Snapshot) {
	for sub := range s.subscribers {
		select {
		case sub.ch <- snap:
		default:
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- snap
		}
	}
}
