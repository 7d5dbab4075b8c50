package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SendReply builds a threaded RFC822 message by hand (no outbound MIME
// library appears anywhere in the retrieved pack; enmime is read-only)
// and sends it over an explicit STARTTLS session. The Dispatcher owns
// the retry loop around this call (§4.5); SendReply itself makes one
// attempt and reports success or failure.
func (c *IMAPSMTPClient) SendReply(ctx context.Context, account Account, to, origMessageID, origSubject, body string) error {
	addr := fmt.Sprintf("%s:%d", c.SMTPHost, c.SMTPPort)

	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("mailbox: smtp dial: %w", err)
	}
	defer conn.Close()

	cl, err := smtp.NewClient(conn, c.SMTPHost)
	if err != nil {
		return fmt.Errorf("mailbox: smtp handshake: %w", err)
	}
	defer cl.Close()

	if ok, _ := cl.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{ServerName: c.SMTPHost}
		if err := cl.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("mailbox: starttls: %w", err)
		}
	}

	auth := smtp.PlainAuth("", account.Email, account.Password, c.SMTPHost)
	if err := cl.Auth(auth); err != nil {
		return &AuthError{Account: account.Email, Cause: err}
	}

	if err := cl.Mail(account.Email); err != nil {
		return fmt.Errorf("mailbox: mail from: %w", err)
	}
	if err := cl.Rcpt(to); err != nil {
		return fmt.Errorf("mailbox: rcpt to: %w", err)
	}

	w, err := cl.Data()
	if err != nil {
		return fmt.Errorf("mailbox: data: %w", err)
	}
	if _, err := w.Write(buildMessage(account.Email, to, origMessageID, origSubject, body)); err != nil {
		w.Close()
		return fmt.Errorf("mailbox: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("mailbox: close data: %w", err)
	}

	return cl.Quit()
}

func buildMessage(from, to, origMessageID, origSubject, body string) []byte {
	subject := origSubject
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		subject = "Re: " + subject
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Message-Id: <%s@followup-engine>\r\n", uuid.NewString())
	if origMessageID != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", origMessageID)
		fmt.Fprintf(&b, "References: %s\r\n", origMessageID)
	}
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
