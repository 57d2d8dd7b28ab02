package notifier

import (
	"context"
	"strings"
	"testing"

	"github.com/storeboost/autobill/internal/config"
	"github.com/storeboost/autobill/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuildMessage(t *testing.T) {
	msg := string(buildMessage("billing@storeboost.kr", "user@example.com", "[스토어부스트] 정기결제가 완료되었습니다", "본문입니다\r\n"))

	assert.True(t, strings.HasPrefix(msg, "From: billing@storeboost.kr\r\n"))
	assert.Contains(t, msg, "To: user@example.com\r\n")
	assert.Contains(t, msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	header, body, found := strings.Cut(msg, "\r\n\r\n")
	require.True(t, found, "message must separate headers from body")
	assert.NotEmpty(t, header)
	assert.Equal(t, "본문입니다\r\n", body)
}

func TestSendSkipsEmptyRecipient(t *testing.T) {
	s := NewSMTP(config.SMTPConfig{Host: "localhost", Port: 587, From: "billing@storeboost.kr"}, zap.NewNop())
	sub := &domain.Subscription{UID: "u1"} // no email on file
	assert.NoError(t, s.PaymentSuccess(context.Background(), sub, "auto_deadbeef_u1", 9900))
}

func TestNewFromConfigSelectsBackend(t *testing.T) {
	log := zap.NewNop()

	n := NewFromConfig(config.Config{}, log)
	assert.IsType(t, &Noop{}, n)

	n = NewFromConfig(config.Config{SMTP: config.SMTPConfig{Host: "smtp.example.com", From: "billing@storeboost.kr"}}, log)
	assert.IsType(t, &SMTP{}, n)
}
