package notification

import (
	"context"
	"log/slog"
)

const (
	// KindNumberPurchased fires after a successful deduct + allocation.
	KindNumberPurchased = "number_purchased"
	// KindOTPReceived fires when an allocation completes with an OTP.
	KindOTPReceived = "otp_received"
	// KindRefunded fires after a refund is credited.
	KindRefunded = "refunded"
	// KindReconcileRequired fires when money and allocation state could not be
	// brought back in line automatically.
	KindReconcileRequired = "reconcile_required"
)

// Message describes a notification payload.
type Message struct {
	Kind     string
	UserID   string
	NumberID string
	Amount   int64
	Body     string
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	level := slog.LevelInfo
	if message.Kind == KindReconcileRequired {
		level = slog.LevelError
	}
	n.logger.Log(context.Background(), level, "notification",
		slog.String("kind", message.Kind),
		slog.String("user_id", message.UserID),
		slog.String("number_id", message.NumberID),
		slog.Int64("amount", message.Amount),
		slog.String("body", message.Body),
	)
	return nil
}
