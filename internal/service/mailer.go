package service

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"event_messenger/internal/config"
	"event_messenger/pkg/logger"
)

type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// NewMailer возвращает SMTP-отправщик или, если почта выключена, отправщик в лог
func NewMailer(cfg config.MailConfig, log logger.Logger) Mailer {
	if !cfg.Enabled {
		return &logMailer{log: log}
	}
	return &smtpMailer{cfg: cfg, log: log}
}

type smtpMailer struct {
	cfg config.MailConfig
	log logger.Logger
}

func (m *smtpMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{to}, buildMail(m.cfg.From, to, subject, body)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", addr, err)
	}
	return nil
}

type logMailer struct {
	log logger.Logger
}

func (m *logMailer) Send(_ context.Context, to, subject, _ string) error {
	m.log.Info("Mail disabled, notification not sent", "to", to, "subject", subject)
	return nil
}

func buildMail(from, to, subject, body string) []byte {
	// переводы строк в заголовках недопустимы
	clean := strings.NewReplacer("\r", " ", "\n", " ")

	var b strings.Builder
	b.WriteString("From: " + clean.Replace(from) + "\r\n")
	b.WriteString("To: " + clean.Replace(to) + "\r\n")
	b.WriteString("Subject: " + clean.Replace(subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}
