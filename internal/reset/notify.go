package reset

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rosterline.org/internal/secure"
)

// Notification carries a freshly issued token to the delivery channel.
type Notification struct {
	AccountID string
	Email     string
	Token     string
	ExpiresAt time.Time
}

// Notifier delivers reset links. Delivery transport lives outside this
// repository.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// LogNotifier records that a link would be sent. The token itself is only
// logged as a fingerprint.
type LogNotifier struct {
	Log *zap.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	log := l.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("password reset link ready",
		zap.String("account_id", n.AccountID),
		zap.String("token_fingerprint", secure.Fingerprint(n.Token)),
		zap.Time("expires_at", n.ExpiresAt),
	)
	return nil
}
