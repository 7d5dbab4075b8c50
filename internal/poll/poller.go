// Package poll implements the per-mailbox fetch tick: pull unseen
// messages, parse them, and keep only the ones that look like replies
// to outreach, ready for the Pipeline.
package poll

import (
	"context"
	"errors"
	"log/slog"

	"github.com/flowcatalyst/followup-engine/internal/common/metrics"
	"github.com/flowcatalyst/followup-engine/internal/config"
	"github.com/flowcatalyst/followup-engine/internal/mailbox"
)

const sinceDays = 7

// Poller fetches unseen messages for every configured account and
// filters them down to replies worth handing to the Pipeline.
type Poller struct {
	mailer   mailbox.Client
	accounts []config.Account
}

func New(mailer mailbox.Client, accounts []config.Account) *Poller {
	return &Poller{mailer: mailer, accounts: accounts}
}

// Reply is a message that passed the reply-to-outreach filter, still
// tagged with the account it arrived on so the Pipeline can route
// mark-read/unread calls to the right mailbox.
type Reply struct {
	Account config.Account
	Message mailbox.Message
}

// Tick runs one fetch-and-filter pass across every configured account
// concurrently. A single account's authentication failure does not
// abort the others: it is logged, metered, and skipped for this tick.
func (p *Poller) Tick(ctx context.Context) []Reply {
	type result struct {
		replies []Reply
	}

	results := make(chan result, len(p.accounts))
	for _, account := range p.accounts {
		account := account
		go func() {
			results <- result{replies: p.pollAccount(ctx, account)}
		}()
	}

	var out []Reply
	for range p.accounts {
		r := <-results
		out = append(out, r.replies...)
	}
	return out
}

func (p *Poller) pollAccount(ctx context.Context, account config.Account) []Reply {
	acc := mailbox.Account{Email: account.Email, Password: account.Password, RateLimitPerDay: account.RateLimitPerDay}

	messages, err := p.mailer.FetchUnseen(ctx, acc, sinceDays)
	if err != nil {
		var authErr *mailbox.AuthError
		if errors.As(err, &authErr) {
			slog.Error("poller auth failure, skipping account for this tick", "account", account.Email, "error", err)
			metrics.PollerAuthFailures.WithLabelValues(account.Email).Inc()
			return nil
		}
		slog.Error("poller fetch failed", "account", account.Email, "error", err)
		return nil
	}

	metrics.PollerMessagesFetched.WithLabelValues(account.Email).Add(float64(len(messages)))

	var replies []Reply
	for _, m := range messages {
		if m.MessageID == "" || m.Body == "" {
			metrics.PollerUnparseable.WithLabelValues(account.Email).Inc()
			continue
		}
		if !mailbox.IsReplyToOutreach(m.MessageID, m.ThreadID, m.Subject) {
			continue
		}
		replies = append(replies, Reply{Account: account, Message: m})
	}

	metrics.PollerRepliesAccepted.WithLabelValues(account.Email).Add(float64(len(replies)))
	return replies
}
