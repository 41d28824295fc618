package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/jhillyerd/enmime"

	"github.com/crmdesk/backend/internal/models"
)

// Mail is one outbound message as handed to a transport.
type Mail struct {
	To       string
	Subject  string
	Body     string
	HTMLBody string
}

// Transport dispatches one message through a sending account. Implementations
// report success or failure; retry policy lives in the worker.
type Transport interface {
	Send(ctx context.Context, account models.MailAccount, password string, mail Mail) error
}

const (
	// implicitTLSPort is the SMTPS port; connections to it are TLS from the
	// first byte.
	implicitTLSPort = 465
	// submissionPort upgrades a plaintext connection via STARTTLS before
	// anything sensitive crosses the wire.
	submissionPort = 587
)

// SMTPTransport delivers mail over SMTP with PLAIN authentication. Port 465
// uses implicit TLS, port 587 requires a STARTTLS upgrade, and any other port
// stays plaintext (local relays and test servers).
type SMTPTransport struct{}

// NewSMTPTransport creates an SMTPTransport.
func NewSMTPTransport() *SMTPTransport {
	return &SMTPTransport{}
}

// Send builds the MIME message and performs one SMTP session for it.
func (t *SMTPTransport) Send(ctx context.Context, account models.MailAccount, password string, mail Mail) error {
	raw, err := buildMIME(account, mail)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(account.SMTPHost, strconv.Itoa(account.SMTPPort))

	var client *smtp.Client
	switch account.SMTPPort {
	case implicitTLSPort:
		client, err = smtp.DialTLS(addr, &tls.Config{ServerName: account.SMTPHost})
	case submissionPort:
		client, err = smtp.DialStartTLS(addr, &tls.Config{ServerName: account.SMTPHost})
	default:
		client, err = smtp.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer func() { _ = client.Close() }()

	auth := sasl.NewPlainClient("", account.SMTPUsername, password)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	if err := client.Mail(account.Email, nil); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(mail.To, nil); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to open data stream: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}

	return client.Quit()
}

// buildMIME renders the message as multipart/alternative when both a text and
// an HTML body are present.
func buildMIME(account models.MailAccount, mail Mail) ([]byte, error) {
	builder := enmime.Builder().
		From("", account.Email).
		To("", mail.To).
		Subject(mail.Subject)

	if mail.Body != "" {
		builder = builder.Text([]byte(mail.Body))
	}
	if mail.HTMLBody != "" {
		builder = builder.HTML([]byte(mail.HTMLBody))
	}

	part, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build MIME message: %w", err)
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode MIME message: %w", err)
	}
	return buf.Bytes(), nil
}
