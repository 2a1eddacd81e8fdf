package smtp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/nhle/mailterm/internal/credential"
	"github.com/nhle/mailterm/internal/model"
)

const dialTimeout = 30 * time.Second

// TransientError marks a submission failure worth retrying: network
// trouble or a 4xx server reply.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient send failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a rejected submission: a 5xx server reply. The
// message will not be accepted on retry without changes.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("send rejected: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether a send failure is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Sender submits composed messages over SMTP for one account.
type Sender struct {
	account model.Account
}

// NewSender creates a sender for the account.
func NewSender(account model.Account) *Sender {
	return &Sender{account: account}
}

// Send authenticates against the account's SMTP server and submits
// the message to all recipients.
func (s *Sender) Send(msg model.ComposedMessage) error {
	recipients := append(append([]string{}, msg.To...), msg.Cc...)
	if len(recipients) == 0 {
		return &PermanentError{Err: errors.New("no recipients")}
	}

	handle, err := credential.SessionFor(s.account)
	if err != nil {
		return &PermanentError{Err: err}
	}

	from := msg.From
	if from == "" {
		from = s.account.Email
	}

	body := assemble(from, msg)
	addr := s.account.SMTPHost + ":" + s.account.SMTPPort

	if s.account.TLS {
		err = s.sendWithTLS(addr, handle, from, recipients, body)
	} else {
		err = s.sendWithStartTLS(addr, handle, from, recipients, body)
	}
	return classifySendErr(err)
}

// assemble renders the message as RFC 5322 text.
func assemble(from string, msg model.ComposedMessage) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", from))
	b.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ", ")))
	if len(msg.Cc) > 0 {
		b.WriteString(fmt.Sprintf("Cc: %s\r\n", strings.Join(msg.Cc, ", ")))
	}
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	b.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))

	if msg.InReplyTo != "" {
		b.WriteString(fmt.Sprintf("In-Reply-To: <%s>\r\n", msg.InReplyTo))

		refs := msg.References
		if len(refs) == 0 {
			refs = []string{msg.InReplyTo}
		}
		bracketed := make([]string, len(refs))
		for i, ref := range refs {
			bracketed[i] = "<" + ref + ">"
		}
		b.WriteString(fmt.Sprintf("References: %s\r\n", strings.Join(bracketed, " ")))
	}

	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return b.String()
}

// sendWithTLS submits over an implicit TLS connection.
func (s *Sender) sendWithTLS(
	addr string, handle credential.AuthHandle,
	from string, recipients []string, body string,
) error {
	tlsConfig := &tls.Config{ServerName: s.account.SMTPHost}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("TLS dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, s.account.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if err := client.Auth(authFor(handle, s.account.SMTPHost)); err != nil {
		return fmt.Errorf("SMTP auth: %w", err)
	}

	return submit(client, from, recipients, body)
}

// sendWithStartTLS submits after upgrading a plain connection.
func (s *Sender) sendWithStartTLS(
	addr string, handle credential.AuthHandle,
	from string, recipients []string, body string,
) error {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, s.account.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	tlsConfig := &tls.Config{ServerName: s.account.SMTPHost}
	if err := client.StartTLS(tlsConfig); err != nil {
		return fmt.Errorf("SMTP STARTTLS: %w", err)
	}

	if err := client.Auth(authFor(handle, s.account.SMTPHost)); err != nil {
		return fmt.Errorf("SMTP auth: %w", err)
	}

	return submit(client, from, recipients, body)
}

// authFor picks the authentication mechanism for the handle: the SASL
// exchange when one is required (OAuth2 bearer tokens), plain password
// login otherwise.
func authFor(handle credential.AuthHandle, host string) smtp.Auth {
	if c := handle.SASL(); c != nil {
		return &saslAuth{client: c}
	}
	return smtp.PlainAuth("", handle.Username(), handle.Password(), host)
}

// saslAuth adapts a SASL client to net/smtp's Auth interface so the
// submission path authenticates with the same mechanism as the sync
// session.
type saslAuth struct {
	client sasl.Client
}

func (a *saslAuth) Start(_ *smtp.ServerInfo) (string, []byte, error) {
	return a.client.Start()
}

func (a *saslAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		return a.client.Next(fromServer)
	}
	return nil, nil
}

// submit runs the mail transaction on an authenticated client.
func submit(client *smtp.Client, from string, recipients []string, body string) error {
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("SMTP RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}
	if _, err := w.Write([]byte(body)); err != nil {
		w.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing message: %w", err)
	}

	return client.Quit()
}

// classifySendErr splits submission failures into transient and
// permanent. Server reply codes decide when present: 5xx is final,
// 4xx is back-pressure. Anything without a reply code is network
// trouble and therefore transient.
func classifySendErr(err error) error {
	if err == nil {
		return nil
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		if protoErr.Code >= 500 {
			return &PermanentError{Err: err}
		}
		return &TransientError{Err: err}
	}

	return &TransientError{Err: err}
}
