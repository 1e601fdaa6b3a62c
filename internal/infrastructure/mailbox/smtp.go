package mailbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"

	"NewsDigest/internal/config"
	"NewsDigest/internal/domain"
)

// ErrNoRecipient rejects a send with an empty destination.
var ErrNoRecipient = errors.New("no recipient specified")

const smtpDialTimeout = 15 * time.Second

// SMTPSender composes HTML mail with go-message and relays it over SMTP.
type SMTPSender struct {
	cfg  config.SMTPConfig
	now  func() time.Time
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// NewSMTPSender builds a sender for the relay in cfg.
func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	dialer := &net.Dialer{Timeout: smtpDialTimeout}
	return &SMTPSender{
		cfg:  cfg,
		now:  time.Now,
		dial: func(ctx context.Context, addr string) (net.Conn, error) { return dialer.DialContext(ctx, "tcp", addr) },
	}
}

// Send delivers one HTML document and returns its Message-Id.
func (s *SMTPSender) Send(ctx context.Context, to, subject, html string) (string, error) {
	to = domain.ExtractAddress(to)
	if strings.TrimSpace(to) == "" {
		return "", ErrNoRecipient
	}
	from := s.cfg.From
	if from == "" {
		from = s.cfg.Username
	}

	raw, messageID, err := s.compose(from, to, subject, html)
	if err != nil {
		return "", err
	}

	client, err := s.dialClient(ctx)
	if err != nil {
		return "", err
	}
	defer client.Close()

	if err := s.authenticate(client); err != nil {
		return "", err
	}
	if err := client.Mail(domain.ExtractAddress(from)); err != nil {
		return "", fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return "", fmt.Errorf("failed to set recipient %s: %w", to, err)
	}

	w, err := client.Data()
	if err != nil {
		return "", fmt.Errorf("failed to initiate data transfer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return "", fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close data transfer: %w", err)
	}
	if err := client.Quit(); err != nil {
		return "", fmt.Errorf("failed to quit SMTP session: %w", err)
	}
	return messageID, nil
}

func (s *SMTPSender) compose(from, to, subject, html string) ([]byte, string, error) {
	fromAddr, err := gomail.ParseAddress(from)
	if err != nil {
		fromAddr = &gomail.Address{Address: domain.ExtractAddress(from)}
	}

	var h gomail.Header
	h.SetDate(s.now())
	h.SetSubject(subject)
	h.SetAddressList("From", []*gomail.Address{fromAddr})
	h.SetAddressList("To", []*gomail.Address{{Address: to}})
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("generate message id: %w", err)
	}
	messageID, err := h.MessageID()
	if err != nil {
		return nil, "", fmt.Errorf("read message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := gomail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("create message writer: %w", err)
	}
	if _, err := w.Write([]byte(html)); err != nil {
		return nil, "", fmt.Errorf("write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close message writer: %w", err)
	}
	return buf.Bytes(), messageID, nil
}

func (s *SMTPSender) dialClient(ctx context.Context) (*smtp.Client, error) {
	port := s.cfg.Port
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
	tlsConfig := &tls.Config{ServerName: s.cfg.Host}
	mode := strings.ToLower(strings.TrimSpace(s.cfg.TLSMode))

	conn, err := s.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if mode == "smtps" || mode == "tls" {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to connect via SMTPS: %w", err)
		}
		conn = tlsConn
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}
	if mode == "starttls" {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	}
	return client, nil
}

func (s *SMTPSender) authenticate(client *smtp.Client) error {
	if s.cfg.Username == "" || s.cfg.Password == "" {
		return nil
	}

	var auth smtp.Auth
	switch strings.ToLower(strings.TrimSpace(s.cfg.AuthType)) {
	case "login":
		auth = &loginAuth{username: s.cfg.Username, password: s.cfg.Password}
	default:
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP authentication failed: %w", err)
	}
	return nil
}

// loginAuth implements SMTP LOGIN authentication.
type loginAuth struct {
	username, password string
}

func (a *loginAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", []byte{}, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch strings.TrimSpace(string(fromServer)) {
	case "Username:":
		return []byte(a.username), nil
	case "Password:":
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unexpected server challenge: %s", fromServer)
	}
}
