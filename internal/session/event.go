package session

import "github.com/hitoshi/authportal/internal/model"

// EventKind はセッション変更イベントの種別を表す。
type EventKind int

const (
	// EventSignedOut はセッションが存在しない（未サインインまたは失効）ことを表す。
	EventSignedOut EventKind = iota
	// EventSignedIn はセッションが確立されたことを表す。
	EventSignedIn
)

// String はイベント種別のラベルを返す。メトリクスのラベル値にも使用する。
func (k EventKind) String() string {
	switch k {
	case EventSignedIn:
		return "signed_in"
	case EventSignedOut:
		return "signed_out"
	default:
		return "unknown"
	}
}

// Event はAuth Serviceから届いたセッション変更通知。
// SignedInの場合のみIdentityが設定される。
type Event struct {
	Kind     EventKind
	Identity *model.Identity
}

// SignedIn はサインイン済みイベントを生成する。
func SignedIn(id model.Identity) Event {
	return Event{Kind: EventSignedIn, Identity: &id}
}

// SignedOut はサインアウトイベントを生成する。
func SignedOut() Event {
	return Event{Kind: EventSignedOut}
}

// EventFromSession は通知ペイロードをイベントに変換する。
// nilはサインアウト（未サインインまたは失効）として扱う。
func EventFromSession(s *model.AuthSession) Event {
	if s == nil {
		return SignedOut()
	}
	return SignedIn(s.User)
}
