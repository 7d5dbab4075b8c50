package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/flowcatalyst/followup-engine/internal/mailbox"
	"github.com/flowcatalyst/followup-engine/internal/threadstore"
)

func TestEligible(t *testing.T) {
	base := func() *threadstore.Thread {
		return &threadstore.Thread{
			Status:        threadstore.StatusFollowupActive,
			StopReason:    threadstore.StopReasonNone,
			FailedSends:   0,
			FollowupsSent: 0,
		}
	}

	tests := []struct {
		name   string
		mutate func(*threadstore.Thread)
		stage  int
		want   bool
	}{
		{name: "nil thread", mutate: nil, stage: 1, want: false},
		{
			name:   "eligible for stage 1",
			mutate: func(t *threadstore.Thread) {},
			stage:  1,
			want:   true,
		},
		{
			name:   "not followup active",
			mutate: func(t *threadstore.Thread) { t.Status = threadstore.StatusDelegated },
			stage:  1,
			want:   false,
		},
		{
			name:   "stop reason set",
			mutate: func(t *threadstore.Thread) { t.StopReason = threadstore.StopReasonNotInterested },
			stage:  1,
			want:   false,
		},
		{
			name:   "max failures reached",
			mutate: func(t *threadstore.Thread) { t.FailedSends = 3 },
			stage:  1,
			want:   false,
		},
		{
			name:   "stage already sent",
			mutate: func(t *threadstore.Thread) { t.FollowupsSent = 1 },
			stage:  1,
			want:   false,
		},
		{
			name:   "stage 2 eligible after stage 1 sent",
			mutate: func(t *threadstore.Thread) { t.FollowupsSent = 1 },
			stage:  2,
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var thread *threadstore.Thread
			if tt.mutate != nil {
				thread = base()
				tt.mutate(thread)
			}
			got, _ := eligible(thread, tt.stage)
			if got != tt.want {
				t.Errorf("eligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

type fakeMailer struct {
	failUntilAttempt int
	authError        bool
	calls            int
}

func (f *fakeMailer) FetchUnseen(ctx context.Context, account mailbox.Account, sinceDays int) ([]mailbox.Message, error) {
	return nil, nil
}
func (f *fakeMailer) MarkRead(ctx context.Context, account mailbox.Account, uid uint32) error   { return nil }
func (f *fakeMailer) MarkUnread(ctx context.Context, account mailbox.Account, uid uint32) error { return nil }

func (f *fakeMailer) SendReply(ctx context.Context, account mailbox.Account, to, origMessageID, origSubject, body string) error {
	f.calls++
	if f.authError {
		return &mailbox.AuthError{Account: account.Email, Cause: errors.New("bad password")}
	}
	if f.calls < f.failUntilAttempt {
		return errors.New("transient smtp error")
	}
	return nil
}

func TestSendWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	mailer := &fakeMailer{failUntilAttempt: 3}
	d := &Dispatcher{mailer: mailer}

	err := d.sendWithRetry(context.Background(), mailbox.Account{Email: "a@b.com"}, &threadstore.Thread{MessageID: "m1", CreatorEmail: "c@d.com"}, "tmpl", slog.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mailer.calls != 3 {
		t.Errorf("calls = %d, want 3", mailer.calls)
	}
}

func TestSendWithRetryStopsOnAuthError(t *testing.T) {
	mailer := &fakeMailer{authError: true}
	d := &Dispatcher{mailer: mailer}

	err := d.sendWithRetry(context.Background(), mailbox.Account{Email: "a@b.com"}, &threadstore.Thread{MessageID: "m1", CreatorEmail: "c@d.com"}, "tmpl", slog.Default())
	if err == nil {
		t.Fatal("expected an auth error")
	}
	if mailer.calls != 1 {
		t.Errorf("expected exactly 1 call (no retry on auth error), got %d", mailer.calls)
	}
}

func TestSendWithRetryExhaustsAttempts(t *testing.T) {
	mailer := &fakeMailer{failUntilAttempt: 99}
	d := &Dispatcher{mailer: mailer}

	err := d.sendWithRetry(context.Background(), mailbox.Account{Email: "a@b.com"}, &threadstore.Thread{MessageID: "m1", CreatorEmail: "c@d.com"}, "tmpl", slog.Default())
	if err == nil {
		t.Fatal("expected an error after exhausting attempts")
	}
	if mailer.calls != maxSendAttempts {
		t.Errorf("calls = %d, want %d", mailer.calls, maxSendAttempts)
	}
}
