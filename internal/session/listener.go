package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/authportal/internal/model"
)

// ErrListenerStarted はListenerの二重登録を示す。
var ErrListenerStarted = errors.New("change listener already started")

// Listener はAuth Serviceのセッション変更通知を購読し、Storeを更新する。
// イベントは到着順に1件ずつ処理され、前のイベントの更新が完了するまで次のイベントは処理されない。
// Stop後に届いたイベントは無視される。
type Listener struct {
	store    *Store
	coord    *Coordinator
	logger   *slog.Logger
	recorder Recorder

	mu      sync.Mutex
	started bool
	closed  bool
	sub     Subscription
	startAt time.Time
}

// NewListener は新しいListenerを生成する。
func NewListener(store *Store, coord *Coordinator, logger *slog.Logger, recorder Recorder) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Listener{
		store:    store,
		coord:    coord,
		logger:   logger,
		recorder: recorder,
	}
}

// Start はAuth Serviceへ購読を1回だけ登録する。
// 通知チャネルを確立できない場合は*model.SubscriptionErrorを返し、Storeはloadingのまま残る。
func (l *Listener) Start(svc AuthService) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ErrListenerStarted
	}
	l.started = true
	l.startAt = time.Now()
	l.mu.Unlock()

	sub, err := svc.SubscribeToSessionChanges(l.deliver)
	if err != nil {
		return &model.SubscriptionError{Err: err}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	l.sub = sub
	l.mu.Unlock()
	return nil
}

// Stop は購読を解除する。解除は1回だけ行われ、以降のイベントは無視される。
// 処理中のイベントがあれば完了を待つ。
func (l *Listener) Stop() {
	l.mu.Lock()
	l.closed = true
	sub := l.sub
	l.sub = nil
	l.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

func (l *Listener) deliver(s *model.AuthSession) {
	l.Handle(EventFromSession(s))
}

// Handle は1件のイベントを処理する。
// SignedInの場合: Identityを設定し、現在のパスでリダイレクトを判定してからloadingを解除する。
// SignedOutの場合: Identityをnilにしてloadingを解除する。リダイレクトはしない。
func (l *Listener) Handle(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		l.logger.Debug("購読解除後のセッションイベントを破棄しました",
			slog.String("kind", ev.Kind.String()),
		)
		return
	}

	l.recorder.RecordSessionEvent(ev.Kind.String())

	var first bool
	switch {
	case ev.Kind == EventSignedIn && ev.Identity != nil:
		l.store.setIdentity(ev.Identity)
		l.coord.OnEstablished(context.Background())
		first = l.store.markLoaded()
		l.logger.Info("セッションが確立されました",
			slog.String("user_id", ev.Identity.ID),
		)
	default:
		first = l.store.resolve(nil)
		l.logger.Info("セッションが存在しません")
	}

	if first && !l.startAt.IsZero() {
		l.recorder.RecordSessionResolved(time.Since(l.startAt))
	}
}
