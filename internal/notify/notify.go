// Package notify delivers text messages to server owners.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrNoRecipient is returned when a message has no destination number.
var ErrNoRecipient = errors.New("notify: no recipient phone number")

// Notifier sends a text message to a phone number.
type Notifier interface {
	Send(ctx context.Context, to, text string) error
}

// Log is a Notifier that only logs. It is used when no SMS provider is
// configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "notify")}
}

func (l *Log) Send(_ context.Context, to, text string) error {
	if NormalizePhone(to) == "" {
		return ErrNoRecipient
	}
	l.logger.Info("sms not sent (no provider configured)", "to", MaskPhone(to), "text", text)
	return nil
}

// NormalizePhone strips everything but digits and a leading +.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, r := range s {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MaskPhone hides the middle digits of a number for logging.
func MaskPhone(s string) string {
	p := NormalizePhone(s)
	if len(p) <= 7 {
		return strings.Repeat("*", len(p))
	}
	return p[:3] + strings.Repeat("*", len(p)-7) + p[len(p)-4:]
}

// Message templates sent over the server lifecycle.

func SetupStarted(email, plan, location string) string {
	return fmt.Sprintf("%s님, 서버 생성을 시작했습니다. 플랜: %s, 위치: %s", email, plan, location)
}

func Ready(email, externalID, plan, location string) string {
	return fmt.Sprintf("%s님, 서버가 준비되었습니다. ID: %s, 플랜: %s, 위치: %s", email, externalID, plan, location)
}

func Delayed(email, plan string) string {
	return fmt.Sprintf("%s님, %s 서버 생성이 지연되고 있습니다. 잠시 후 다시 시도해주세요.", email, plan)
}

func Failed(email, plan string) string {
	return fmt.Sprintf("%s님, %s 서버 생성 중 오류가 발생했습니다. 고객센터로 문의해주세요.", email, plan)
}

func ExpiryWarning(email string, expiresAt time.Time) string {
	return fmt.Sprintf("%s님, %s에 서버 만료 예정입니다. 연장이 필요하면 만료 전까지 갱신해주세요.",
		email, expiresAt.UTC().Format(time.DateOnly))
}
