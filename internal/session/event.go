// Package session はプロセス全体で共有するセッションキャッシュと
// セッション変化イベントの配信を提供する。
package session

import (
	"time"

	"github.com/hitoshi/jeementor/internal/model"
)

// EventType はセッション変化イベントの種別。
type EventType string

const (
	// EventInitialSession は購読開始時に配信される現在の状態。
	EventInitialSession EventType = "INITIAL_SESSION"
	EventSignedIn       EventType = "SIGNED_IN"
	EventSignedOut      EventType = "SIGNED_OUT"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
)

// Event はセッションの変化を表す。
type Event struct {
	Type  EventType
	Token string
	// Session はサインアウト時と、初期状態でセッションがない場合にnil。
	Session *model.Session
	// Identity はSIGNED_INでのみ設定される。
	Identity *model.Identity
	UserID   string
	At       time.Time

	remote bool
}

// Handler はイベントを受け取るコールバック。
type Handler func(Event)
