package email

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// Sender delivers plain-text mail.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// NewSender returns an SMTP sender, or a log-only sender when no host is set.
func NewSender(cfg SMTPConfig, log logrus.FieldLogger) Sender {
	if strings.TrimSpace(cfg.Host) == "" {
		return LogSender{Log: log}
	}
	return SMTPSender{Cfg: cfg}
}

type SMTPSender struct {
	Cfg SMTPConfig
}

func (s SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	done := make(chan error, 1)
	go func() { done <- SendText(s.Cfg, to, subject, body) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// SendText sends one message. smtp.SendMail upgrades to STARTTLS when the
// server offers it.
func SendText(cfg SMTPConfig, to, subject, body string) error {
	if cfg.Host == "" {
		return fmt.Errorf("smtp: host not configured")
	}
	from := cfg.From
	if from == "" {
		from = cfg.User
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	var a smtp.Auth
	if cfg.User != "" {
		a = smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)
	}
	return smtp.SendMail(addr, a, from, []string{to}, buildMessage(from, to, subject, body))
}

// LogSender only logs; used when SMTP is not configured.
type LogSender struct {
	Log logrus.FieldLogger
}

func (s LogSender) Send(_ context.Context, to, subject, body string) error {
	s.Log.WithFields(logrus.Fields{"to": to, "subject": subject}).Info("email not sent: smtp disabled")
	s.Log.WithField("to", to).Debug(body)
	return nil
}
