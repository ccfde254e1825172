package interfaces

import "context"

// EmailSender delivers a plain text email. Implementations are no-ops when unconfigured.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
	IsConfigured(ctx context.Context) bool
}

// PushSender delivers a push notification. Implementations are no-ops when unconfigured.
type PushSender interface {
	Push(ctx context.Context, title, message string) error
	IsConfigured() bool
}
