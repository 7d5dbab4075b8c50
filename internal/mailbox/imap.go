package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/flowcatalyst/followup-engine/internal/common/metrics"
)

// dialTimeout and fetchTimeout bound the two slow phases of a poll tick;
// without them a stalled TLS handshake or a misbehaving server can wedge
// a whole mailbox account for the life of the process.
const (
	dialTimeout  = 30 * time.Second
	fetchTimeout = 60 * time.Second

	maxDialAttempts = 5
)

// IMAPSMTPClient is the Client implementation backing every configured
// account: IMAP for FetchUnseen/MarkRead/MarkUnread, SMTP for SendReply.
// Host/port are shared across accounts (single provider), only the
// credentials in Account vary per mailbox.
type IMAPSMTPClient struct {
	IMAPHost string
	IMAPPort int
	SMTPHost string
	SMTPPort int
}

func NewIMAPSMTPClient(imapHost string, imapPort int, smtpHost string, smtpPort int) *IMAPSMTPClient {
	return &IMAPSMTPClient{IMAPHost: imapHost, IMAPPort: imapPort, SMTPHost: smtpHost, SMTPPort: smtpPort}
}

// dial connects and logs in, making up to maxDialAttempts attempts with
// exponential backoff between them (1s, 2s, 4s, 8s). A login failure
// whose error reads as a credential problem is never retried: it is
// wrapped as AuthError so the Poller can skip the account
// for the rest of the tick instead of burning the full backoff budget
// on bad credentials.
func (c *IMAPSMTPClient) dial(ctx context.Context, account Account) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", c.IMAPHost, c.IMAPPort)
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	tlsConfig := &tls.Config{ServerName: c.IMAPHost}

	var lastErr error
	for attempt := 0; attempt < maxDialAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		cl, err := client.DialWithDialerTLS(dialer, addr, tlsConfig)
		if err != nil {
			lastErr = err
			continue
		}

		if err := cl.Login(account.Email, account.Password); err != nil {
			cl.Logout()
			if isAuthFailure(err) {
				return nil, &AuthError{Account: account.Email, Cause: err}
			}
			lastErr = err
			continue
		}

		return cl, nil
	}
	return nil, fmt.Errorf("mailbox: dial %s: %w", addr, lastErr)
}

func isAuthFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "auth") || strings.Contains(msg, "login") ||
		strings.Contains(msg, "credential") || strings.Contains(msg, "invalid")
}

// FetchUnseen opens INBOX, searches for unseen messages received within
// the last sinceDays, and fetches each with BODY.PEEK[] so the fetch
// itself never sets \Seen - only a successful Pipeline run does that,
// via MarkRead.
func (c *IMAPSMTPClient) FetchUnseen(ctx context.Context, account Account, sinceDays int) ([]Message, error) {
	cl, err := c.dial(ctx, account)
	if err != nil {
		return nil, err
	}
	defer cl.Logout()

	if _, err := cl.Select("INBOX", false); err != nil {
		return nil, fmt.Errorf("mailbox: select INBOX: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.Since = time.Now().AddDate(0, 0, -sinceDays)

	cl.Timeout = dialTimeout
	uids, err := cl.UidSearch(criteria)
	cl.Timeout = 0
	if err != nil {
		return nil, fmt.Errorf("mailbox: uid search: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchUid,
		"BODY.PEEK[]",
	}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)

	cl.Timeout = fetchTimeout
	go func() { done <- cl.UidFetch(seqSet, items, messages) }()

	var out []Message
	for msg := range messages {
		m, ok := toMessage(msg)
		if !ok {
			metrics.PollerUnparseable.WithLabelValues(account.Email).Inc()
			continue
		}
		out = append(out, m)
	}
	cl.Timeout = 0

	if err := <-done; err != nil {
		return out, fmt.Errorf("mailbox: uid fetch: %w", err)
	}
	return out, nil
}

func toMessage(msg *imap.Message) (Message, bool) {
	var raw []byte
	for section, literal := range msg.Body {
		if section.Specifier != imap.EntireSpecifier && section.Specifier != "" {
			continue
		}
		if literal == nil {
			continue
		}
		buf := make([]byte, 0, 8192)
		tmp := make([]byte, 4096)
		for {
			n, err := literal.Read(tmp)
			if n > 0 {
				buf = append(buf, tmp[:n]...)
			}
			if err != nil {
				break
			}
		}
		raw = buf
		break
	}
	if len(raw) == 0 {
		return Message{}, false
	}

	subject, body, ok := parseRaw(raw)
	if !ok {
		return Message{}, false
	}

	messageID := ""
	threadID := ""
	from := ""
	var receivedAt time.Time
	if msg.Envelope != nil {
		messageID = msg.Envelope.MessageId
		receivedAt = msg.Envelope.Date
		if subject == "" {
			subject = msg.Envelope.Subject
		}
		if len(msg.Envelope.InReplyTo) > 0 {
			threadID = msg.Envelope.InReplyTo
		}
		if hdr, err := mail.ReadMessage(strings.NewReader(string(raw))); err == nil {
			if refs := strings.Fields(hdr.Header.Get("References")); len(refs) > 0 {
				threadID = refs[0]
			}
		}
		if len(msg.Envelope.From) > 0 {
			from = msg.Envelope.From[0].Address()
		}
	}
	if threadID == "" {
		threadID = messageID
	}
	if messageID == "" {
		return Message{}, false
	}

	hasPhone, hasAddress := detectContactPreSignal(body)

	return Message{
		UID:           msg.Uid,
		MessageID:     messageID,
		ThreadID:      threadID,
		From:          from,
		Subject:       subject,
		Body:          body,
		ReceivedAt:    receivedAt,
		HasPhonePre:   hasPhone,
		HasAddressPre: hasAddress,
	}, true
}

func (c *IMAPSMTPClient) MarkRead(ctx context.Context, account Account, uid uint32) error {
	return c.setSeenFlag(ctx, account, uid, true)
}

func (c *IMAPSMTPClient) MarkUnread(ctx context.Context, account Account, uid uint32) error {
	return c.setSeenFlag(ctx, account, uid, false)
}

func (c *IMAPSMTPClient) setSeenFlag(ctx context.Context, account Account, uid uint32, seen bool) error {
	cl, err := c.dial(ctx, account)
	if err != nil {
		return err
	}
	defer cl.Logout()

	if _, err := cl.Select("INBOX", false); err != nil {
		return fmt.Errorf("mailbox: select INBOX: %w", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	op := imap.RemoveFlags
	if seen {
		op = imap.AddFlags
	}

	item := imap.FormatFlagsOp(op, true)
	flags := []interface{}{imap.SeenFlag}
	return cl.UidStore(seqSet, item, flags, nil)
}
