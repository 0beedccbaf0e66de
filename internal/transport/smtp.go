// Package transport wraps outbound SMTP delivery. One Transport is
// constructed at process start and injected into every caller.
package transport

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"mailq/internal/domain"
)

// Message is a fully rendered, augmented email ready for the wire.
type Message struct {
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	HTMLBody    string
	Attachments []domain.Attachment
}

// Result reports an accepted delivery.
type Result struct {
	DeliveryID string
	Timestamp  time.Time
}

// Transport sends one message per call and can verify connectivity without
// sending mail.
type Transport interface {
	Send(ctx context.Context, msg Message) (Result, error)
	Verify(ctx context.Context) error
}

// Error is a transport failure carrying the SMTP reply code when one exists.
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("smtp %d: %v", e.Code, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ShouldRetry classifies a send failure. SMTP 4yz replies and network
// timeouts are transient; 5yz replies are permanent.
func ShouldRetry(err error) bool {
	var te *Error
	if errors.As(err, &te) && te.Code > 0 {
		return te.Code >= 400 && te.Code < 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

// Backoff returns the sleep before retry attempt n (n starting at 1):
// 2^n seconds.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

// SMTP delivers through a single configured relay. Each Send dials its own
// connection, so one instance is safe for concurrent use by many in-flight
// sends.
type SMTP struct {
	Host        string
	Port        int
	Username    string
	Password    string
	SenderName  string
	SenderAddr  string
	DialTimeout time.Duration
}

func NewSMTP(host string, port int, username, password, senderName, senderAddr string) *SMTP {
	return &SMTP{
		Host:        host,
		Port:        port,
		Username:    username,
		Password:    password,
		SenderName:  senderName,
		SenderAddr:  senderAddr,
		DialTimeout: 10 * time.Second,
	}
}

func (s *SMTP) addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

func (s *SMTP) connect(ctx context.Context) (*smtp.Client, error) {
	d := net.Dialer{Timeout: s.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.addr())
	if err != nil {
		return nil, wrap(err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		conn.Close()
		return nil, wrap(err)
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.Host}); err != nil {
			c.Close()
			return nil, wrap(err)
		}
	}
	if s.Username != "" {
		auth := smtp.PlainAuth("", s.Username, s.Password, s.Host)
		if err := c.Auth(auth); err != nil {
			c.Close()
			return nil, wrap(err)
		}
	}
	return c, nil
}

// Verify performs the handshake (connect, STARTTLS, auth) and quits without
// sending mail.
func (s *SMTP) Verify(ctx context.Context) error {
	c, err := s.connect(ctx)
	if err != nil {
		return err
	}
	return wrap(c.Quit())
}

func (s *SMTP) Send(ctx context.Context, msg Message) (Result, error) {
	c, err := s.connect(ctx)
	if err != nil {
		return Result{}, err
	}
	defer c.Close()

	if err := c.Mail(s.SenderAddr); err != nil {
		return Result{}, wrap(err)
	}
	rcpts := make([]string, 0, len(msg.To)+len(msg.Cc)+len(msg.Bcc))
	rcpts = append(rcpts, msg.To...)
	rcpts = append(rcpts, msg.Cc...)
	rcpts = append(rcpts, msg.Bcc...)
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt); err != nil {
			return Result{}, wrap(err)
		}
	}

	deliveryID := newDeliveryID(s.Host)
	w, err := c.Data()
	if err != nil {
		return Result{}, wrap(err)
	}
	if _, err := w.Write(s.encode(msg, deliveryID)); err != nil {
		return Result{}, wrap(err)
	}
	if err := w.Close(); err != nil {
		return Result{}, wrap(err)
	}
	if err := c.Quit(); err != nil {
		return Result{}, wrap(err)
	}
	return Result{DeliveryID: deliveryID, Timestamp: time.Now().UTC()}, nil
}

// encode builds the RFC 5322 payload: multipart/mixed when attachments exist,
// plain text/html otherwise.
func (s *SMTP) encode(msg Message, deliveryID string) []byte {
	var b strings.Builder
	writeHeader := func(k, v string) { b.WriteString(k + ": " + v + "\r\n") }

	writeHeader("From", fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", s.SenderName), s.SenderAddr))
	writeHeader("To", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		writeHeader("Cc", strings.Join(msg.Cc, ", "))
	}
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader("Message-ID", "<"+deliveryID+">")
	writeHeader("Date", time.Now().UTC().Format(time.RFC1123Z))
	writeHeader("MIME-Version", "1.0")

	if len(msg.Attachments) == 0 {
		writeHeader("Content-Type", `text/html; charset="utf-8"`)
		b.WriteString("\r\n")
		b.WriteString(msg.HTMLBody)
		b.WriteString("\r\n")
		return []byte(b.String())
	}

	boundary := newBoundary()
	writeHeader("Content-Type", `multipart/mixed; boundary="`+boundary+`"`)
	b.WriteString("\r\n")

	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(msg.HTMLBody)
	b.WriteString("\r\n")

	for _, att := range msg.Attachments {
		ct := att.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		b.WriteString("--" + boundary + "\r\n")
		b.WriteString("Content-Type: " + ct + "\r\n")
		b.WriteString("Content-Transfer-Encoding: base64\r\n")
		b.WriteString(`Content-Disposition: attachment; filename="` + att.Filename + `"` + "\r\n\r\n")
		b.WriteString(base64.StdEncoding.EncodeToString(att.Content))
		b.WriteString("\r\n")
	}
	b.WriteString("--" + boundary + "--\r\n")
	return []byte(b.String())
}

func newDeliveryID(host string) string {
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()) + "@" + host
}

func newBoundary() string {
	return "mailq-" + strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String())
}

// wrap lifts textproto reply errors into *Error so callers can classify them.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	var tpe *textproto.Error
	if errors.As(err, &tpe) {
		return &Error{Code: tpe.Code, Err: err}
	}
	return &Error{Err: err}
}
