// Package dispatch executes one scheduled follow-up send with
// at-most-once semantics: a dedup key guard, a template, a bounded
// number of send attempts, and the durable bookkeeping that makes the
// next stage schedulable.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowcatalyst/followup-engine/internal/common/metrics"
	"github.com/flowcatalyst/followup-engine/internal/common/tsid"
	"github.com/flowcatalyst/followup-engine/internal/mailbox"
	"github.com/flowcatalyst/followup-engine/internal/scheduleindex"
	"github.com/flowcatalyst/followup-engine/internal/threadstore"
)

const (
	dedupTTL    = time.Hour
	maxFailures = 3

	maxSendAttempts = 3 // 1 initial + 2 retries
	baseSendBackoff = time.Second

	stage1To2Delay = 24 * time.Hour
	stage2To3Delay = 48 * time.Hour
)

// templates are the static, fixed-per-stage copy the spec requires;
// the router never generates follow-up text.
var templates = map[int]string{
	1: "Could you share your WhatsApp contact and address with me? I will ask my team to connect with you immediately.",
	2: "Just checking in — can you please share your WhatsApp contact so we can connect quickly?",
	3: "Wanted to follow up again — we'd love to take this forward but just need your WhatsApp number to coordinate better.",
}

// Dispatcher executes (messageId, stage) tasks. The dedup key is
// installed in Redis through gate; the remaining guard checks, the
// actual send and all durable bookkeeping happen against store, index
// and mailer.
type Dispatcher struct {
	gate    *redis.Client
	store   threadstore.Store
	index   *scheduleindex.Index
	mailer  mailbox.Client
	tsidGen *tsid.Generator

	accountFor func(email string) (mailbox.Account, bool)
}

func New(gate *redis.Client, store threadstore.Store, index *scheduleindex.Index, mailer mailbox.Client, tsidGen *tsid.Generator, accountFor func(email string) (mailbox.Account, bool)) *Dispatcher {
	return &Dispatcher{gate: gate, store: store, index: index, mailer: mailer, tsidGen: tsidGen, accountFor: accountFor}
}

// Dispatch runs the full eligibility guard, send, and outcome handling
// for one (messageId, stage) task. It never returns an error for a
// guard rejection or a send failure - both are terminal outcomes of
// this call, logged and metered, not bugs the caller must react to.
// It returns an error only for unexpected store/index failures that
// leave the task's fate unresolved.
func (d *Dispatcher) Dispatch(ctx context.Context, messageID string, stage int) error {
	correlationID := d.tsidGen.Generate()
	log := slog.With("correlation_id", correlationID, "message_id", messageID, "stage", stage)

	installed, err := d.installDedupKey(ctx, messageID, stage)
	if err != nil {
		return fmt.Errorf("dispatch: install dedup key: %w", err)
	}
	if !installed {
		log.Debug("dispatch guard rejected: dedup key already present")
		metrics.DispatcherOutcomes.WithLabelValues(stageLabel(stage), "guard_rejected").Inc()
		return nil
	}

	thread, err := d.store.GetByMessageID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("dispatch: load thread: %w", err)
	}
	if ok, reason := eligible(thread, stage); !ok {
		log.Info("dispatch guard rejected", "reason", reason)
		metrics.DispatcherOutcomes.WithLabelValues(stageLabel(stage), "guard_rejected").Inc()
		return nil
	}

	account, ok := d.accountFor(thread.AccountEmail)
	if !ok {
		log.Error("dispatch guard rejected: no mailbox account configured", "account", thread.AccountEmail)
		metrics.DispatcherOutcomes.WithLabelValues(stageLabel(stage), "guard_rejected").Inc()
		return nil
	}

	template := templates[stage]

	start := time.Now()
	sendErr := d.sendWithRetry(ctx, account, thread, template, log)
	metrics.DispatcherSendDuration.WithLabelValues(thread.AccountEmail).Observe(time.Since(start).Seconds())

	if sendErr != nil {
		return d.handleSendFailure(ctx, thread, stage, sendErr, log)
	}
	return d.handleSendSuccess(ctx, thread, stage, template, log)
}

func (d *Dispatcher) installDedupKey(ctx context.Context, messageID string, stage int) (bool, error) {
	key := fmt.Sprintf("followup:%s:%d", messageID, stage)
	ok, err := d.gate.SetNX(ctx, key, 1, dedupTTL).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// eligible implements the six-step guard (steps 2-6; step 1, the dedup
// key, is checked by the caller before this runs).
func eligible(t *threadstore.Thread, stage int) (bool, string) {
	if t == nil {
		return false, "thread_not_found"
	}
	if t.Status != threadstore.StatusFollowupActive {
		return false, "not_followup_active"
	}
	if t.StopReason != threadstore.StopReasonNone {
		return false, "stop_reason_set"
	}
	if t.FailedSends >= maxFailures {
		return false, "max_failures_reached"
	}
	if t.FollowupsSent >= stage {
		return false, "stage_already_sent"
	}
	return true, ""
}

// sendWithRetry calls MailboxClient.SendReply with at most 2 retries
// (3 attempts total), 1s/2s backoff. An AuthError short-circuits.
func (d *Dispatcher) sendWithRetry(ctx context.Context, account mailbox.Account, t *threadstore.Thread, template string, log *slog.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		err := d.mailer.SendReply(ctx, account, t.CreatorEmail, t.MessageID, t.Subject, template)
		if err == nil {
			return nil
		}
		lastErr = err

		var authErr *mailbox.AuthError
		if errors.As(err, &authErr) {
			log.Warn("send auth error, not retrying", "error", err)
			return err
		}

		log.Warn("send attempt failed", "attempt", attempt, "error", err)
		if attempt == maxSendAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * baseSendBackoff):
		}
	}
	return lastErr
}

func (d *Dispatcher) handleSendSuccess(ctx context.Context, t *threadstore.Thread, stage int, template string, log *slog.Logger) error {
	if err := d.store.RecordFollowupSent(ctx, t.MessageID, stage, template); err != nil {
		return fmt.Errorf("dispatch: record followup sent: %w", err)
	}

	metrics.DispatcherOutcomes.WithLabelValues(stageLabel(stage), "sent").Inc()
	log.Info("followup sent")

	switch stage {
	case 1:
		if err := d.scheduleNext(ctx, t.MessageID, 2, time.Now().Add(stage1To2Delay)); err != nil {
			return err
		}
	case 2:
		if err := d.scheduleNext(ctx, t.MessageID, 3, time.Now().Add(stage2To3Delay)); err != nil {
			return err
		}
	case 3:
		if err := d.store.ClearNextFollowup(ctx, t.MessageID); err != nil {
			return fmt.Errorf("dispatch: clear next followup: %w", err)
		}
		if err := d.index.Remove(ctx, t.MessageID); err != nil {
			log.Warn("schedule index remove failed, will fall back to store", "error", err)
		}
	}
	return nil
}

func (d *Dispatcher) scheduleNext(ctx context.Context, messageID string, nextStage int, at time.Time) error {
	if err := d.store.ScheduleNextFollowup(ctx, messageID, nextStage, at); err != nil {
		return fmt.Errorf("dispatch: schedule next followup: %w", err)
	}
	if err := d.index.Add(ctx, messageID, at); err != nil {
		slog.Warn("schedule index add failed, next sync will recover it", "message_id", messageID, "error", err)
	}
	return nil
}

func (d *Dispatcher) handleSendFailure(ctx context.Context, t *threadstore.Thread, stage int, sendErr error, log *slog.Logger) error {
	count, err := d.store.IncrementFailedSends(ctx, t.MessageID)
	if err != nil {
		return fmt.Errorf("dispatch: increment failed sends: %w", err)
	}

	log.Warn("followup send failed", "failed_sends", count, "error", sendErr)

	if count >= maxFailures {
		delta := threadstore.ThreadDelta{
			Status:        threadstore.StatusError,
			StopReason:    ptrStopReason(threadstore.StopReasonMaxSendFailures),
			ClearSchedule: true,
		}
		if _, err := d.store.UpdateThread(ctx, t.MessageID, delta); err != nil {
			return fmt.Errorf("dispatch: mark max send failures: %w", err)
		}
		if err := d.index.Remove(ctx, t.MessageID); err != nil {
			log.Warn("schedule index remove failed after max failures", "error", err)
		}
		metrics.DispatcherOutcomes.WithLabelValues(stageLabel(stage), "max_failures").Inc()
		return nil
	}

	metrics.DispatcherOutcomes.WithLabelValues(stageLabel(stage), "send_failed").Inc()
	return nil
}

func stageLabel(stage int) string {
	return fmt.Sprintf("%d", stage)
}

func ptrStopReason(v threadstore.StopReason) *threadstore.StopReason { return &v }
