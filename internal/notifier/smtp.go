package notifier

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/storeboost/autobill/internal/config"
	"github.com/storeboost/autobill/internal/subscription/domain"
	"go.uber.org/zap"
)

// SMTP sends notifications as plain-text email over SMTP.
type SMTP struct {
	cfg config.SMTPConfig
	log *zap.Logger
}

// NewSMTP constructs the SMTP notifier.
func NewSMTP(cfg config.SMTPConfig, log *zap.Logger) *SMTP {
	return &SMTP{cfg: cfg, log: log.Named("notifier.smtp")}
}

func (s *SMTP) PaymentSuccess(ctx context.Context, sub *domain.Subscription, orderID string, amount int64) error {
	subject := "[스토어부스트] 정기결제가 완료되었습니다"
	body := fmt.Sprintf(
		"정기결제가 정상 처리되었습니다.\r\n\r\n주문번호: %s\r\n결제금액: %d원\r\n다음 결제일: %s\r\n",
		orderID, amount, sub.EndDate.In(domain.Location()).Format("2006-01-02"),
	)
	return s.send(ctx, sub.Email, subject, body)
}

func (s *SMTP) PaymentFailure(ctx context.Context, sub *domain.Subscription, reason string, willRetry bool) error {
	subject := "[스토어부스트] 정기결제에 실패했습니다"
	var next string
	if willRetry {
		next = "등록된 카드로 다시 결제를 시도할 예정입니다. 카드 상태를 확인해 주세요.\r\n"
	} else {
		next = "결제 수단을 갱신하지 않으면 구독이 해지됩니다.\r\n"
	}
	body := fmt.Sprintf("정기결제에 실패했습니다.\r\n\r\n사유: %s\r\n%s", reason, next)
	return s.send(ctx, sub.Email, subject, body)
}

func (s *SMTP) SubscriptionExpired(ctx context.Context, sub *domain.Subscription) error {
	subject := "[스토어부스트] 구독이 만료되었습니다"
	body := "구독이 만료되어 기본 플랜으로 전환되었습니다.\r\n언제든 다시 구독하실 수 있습니다.\r\n"
	return s.send(ctx, sub.Email, subject, body)
}

func (s *SMTP) send(ctx context.Context, to, subject, body string) error {
	if to == "" {
		s.log.Warn("subscriber has no email address, skipping notification")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := buildMessage(s.cfg.From, to, subject, body)
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	if s.cfg.UseTLS && s.cfg.Port == 465 {
		return s.sendImplicitTLS(addr, auth, to, msg)
	}
	return smtp.SendMail(addr, auth, s.cfg.From, []string{to}, msg)
}

// sendImplicitTLS handles SMTPS (port 465), where the TLS handshake happens
// before any SMTP traffic. smtp.SendMail only speaks STARTTLS.
func (s *SMTP) sendImplicitTLS(addr string, auth smtp.Auth, to string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: s.cfg.Host})
	if err != nil {
		return fmt.Errorf("smtp: tls dial: %w", err)
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp: handshake: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp: auth: %w", err)
		}
	}
	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("smtp: mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp: rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp: data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp: close body: %w", err)
	}
	return client.Quit()
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
