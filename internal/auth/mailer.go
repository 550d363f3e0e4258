package auth

import (
	"context"
	"log/slog"
	"strings"
)

// Mailer はメールアドレス確認のリンクを送る。
type Mailer interface {
	SendConfirmation(ctx context.Context, email, link string) error
}

// LogMailer はメールを送らず、送信したことだけをログに残すMailer。
// リンクはトークンを含むためログには出さない。
type LogMailer struct{}

// SendConfirmation は確認メールの送信をログに記録する。
func (LogMailer) SendConfirmation(_ context.Context, email, _ string) error {
	slog.Info("confirmation email queued",
		slog.String("email", redactEmail(email)),
	)
	return nil
}

// redactEmail はローカル部の先頭1文字以外を伏せる。
func redactEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// compile-time interface check
var _ Mailer = LogMailer{}
