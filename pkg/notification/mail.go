package notification

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

type MailConfig struct {
	Host     string   `env:"MAIL_HOST" yaml:"host"`
	Port     int      `env:"MAIL_PORT" yaml:"port"`
	Username string   `env:"MAIL_USERNAME" yaml:"username"`
	Password string   `env:"MAIL_PASSWORD" yaml:"password"`
	From     string   `env:"MAIL_FROM" yaml:"from"`
	To       []string `env:"MAIL_TO" yaml:"to"` // 救援人员邮箱
}

// Mailer matches smtp.SendMail so tests can swap the transport.
type Mailer func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type MailNotification struct {
	cfg  MailConfig
	send Mailer
}

func NewMailNotification(cfg MailConfig) *MailNotification {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &MailNotification{cfg: cfg, send: smtp.SendMail}
}

// WithMailer replaces the SMTP transport.
func (m *MailNotification) WithMailer(fn Mailer) *MailNotification {
	m.send = fn
	return m
}

func (m *MailNotification) Name() string { return "mail" }

func (m *MailNotification) Notify(ctx context.Context, msg Message) error {
	if m.cfg.Host == "" || m.cfg.From == "" {
		return ErrNotConfigured
	}
	to := merge(m.cfg.To, msg.Emails)
	if len(to) == 0 {
		return nil
	}

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	body := m.compose(to, msg)

	// net/smtp 不支持 context，放到协程里等待
	done := make(chan error, 1)
	go func() { done <- m.send(addr, auth, m.cfg.From, to, body) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send mail via %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MailNotification) compose(to []string, msg Message) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	if msg.Severity == "high" {
		b.WriteString("X-Priority: 1\r\nImportance: high\r\n")
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}
