// Package pipeline joins the Debouncer, Analyzer, ThreadStore,
// DecisionRouter, and Dispatcher into the per-reply processing path:
// one accepted reply in, one routed side effect out. Concurrency is
// bounded by a semaphore rather than an ordered worker pool, since
// ordering across replies is explicitly not required.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/flowcatalyst/followup-engine/internal/analysis"
	"github.com/flowcatalyst/followup-engine/internal/common/metrics"
	"github.com/flowcatalyst/followup-engine/internal/decision"
	"github.com/flowcatalyst/followup-engine/internal/mailbox"
	"github.com/flowcatalyst/followup-engine/internal/poll"
	"github.com/flowcatalyst/followup-engine/internal/threadstore"
	"github.com/flowcatalyst/followup-engine/internal/traininglog"
)

const defaultMaxConcurrent = 10

// dispatcher is the subset of dispatch.Dispatcher the pipeline needs,
// narrowed to an interface so tests can substitute a fake without a
// real Redis/Postgres-backed Dispatcher.
type dispatcher interface {
	Dispatch(ctx context.Context, messageID string, stage int) error
}

// scheduleIndex is the subset of scheduleindex.Index the pipeline needs.
type scheduleIndex interface {
	Remove(ctx context.Context, messageID string) error
}

// debouncer is the subset of debounce.Gate the pipeline needs.
type debouncer interface {
	ShouldProcess(ctx context.Context, threadID, body string) bool
}

// Pipeline processes accepted replies with bounded concurrency, one
// rate.Limiter per mailbox so a single noisy account cannot starve the
// others' share of the worker pool.
type Pipeline struct {
	store      threadstore.Store
	router     func(decision.Analysis, *threadstore.Thread) decision.Decision
	analyzer   analysis.Analyzer
	debounce   debouncer
	mailer     mailbox.Client
	dispatcher dispatcher
	index      scheduleIndex
	training   *traininglog.Logger

	sem      chan struct{}
	limiters map[string]*rate.Limiter
}

func New(
	store threadstore.Store,
	analyzer analysis.Analyzer,
	gate debouncer,
	mailer mailbox.Client,
	dispatcher dispatcher,
	index scheduleIndex,
	training *traininglog.Logger,
	maxConcurrent int,
	ratePerDay map[string]int,
) *Pipeline {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	limiters := make(map[string]*rate.Limiter, len(ratePerDay))
	for account, perDay := range ratePerDay {
		perSecond := float64(perDay) / (24 * 60 * 60)
		limiters[account] = rate.NewLimiter(rate.Limit(perSecond), 1)
	}

	return &Pipeline{
		store:      store,
		router:     decision.Decide,
		analyzer:   analyzer,
		debounce:   gate,
		mailer:     mailer,
		dispatcher: dispatcher,
		index:      index,
		training:   training,
		sem:        make(chan struct{}, maxConcurrent),
		limiters:   limiters,
	}
}

// ProcessBatch runs every reply in replies through Process with bounded
// concurrency. It never returns a per-reply error to the caller: each
// reply's own failure is logged and metered individually so one bad
// reply cannot abort the batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, replies []poll.Reply) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range replies {
		r := r
		g.Go(func() error {
			if limiter, ok := p.limiters[r.Account.Email]; ok {
				if err := limiter.Wait(ctx); err != nil {
					return nil
				}
			}

			p.sem <- struct{}{}
			metrics.PipelineInFlight.Inc()
			defer func() {
				<-p.sem
				metrics.PipelineInFlight.Dec()
			}()

			if err := p.Process(ctx, r); err != nil {
				slog.Error("pipeline: reply processing failed", "message_id", r.Message.MessageID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Process runs the full per-reply chain from §4.7: debounce, classify,
// route, persist, and execute the routed action.
func (p *Pipeline) Process(ctx context.Context, r poll.Reply) error {
	start := time.Now()
	defer func() {
		metrics.PipelineProcessingDuration.WithLabelValues(r.Account.Email).Observe(time.Since(start).Seconds())
	}()

	msg := r.Message
	account := mailbox.Account{Email: r.Account.Email, Password: r.Account.Password, RateLimitPerDay: r.Account.RateLimitPerDay}

	if !p.debounce.ShouldProcess(ctx, msg.ThreadID, msg.Body) {
		return nil
	}

	a, err := p.analyzer.Analyze(ctx, msg.Body)
	if err != nil {
		slog.Warn("pipeline: analyzer failed, treating as unclear", "message_id", msg.MessageID, "error", err)
	}

	// The Thread is keyed by the first-observed reply's messageId, which
	// is what ThreadID resolves to (the In-Reply-To/References root, or
	// the message's own id when it has none - see mailbox.Message). Every
	// later reply in the same conversation carries its own distinct
	// MessageID but the same ThreadID, so existing-thread lookups must
	// key on ThreadID, not on this reply's own MessageID.
	threadKey := msg.ThreadID

	existing, err := p.store.GetByMessageID(ctx, threadKey)
	if err != nil {
		return fmt.Errorf("pipeline: load existing thread: %w", err)
	}

	// I6: a terminal thread never transitions back. A later reply on an
	// already COMPLETED/DELEGATED/ERROR thread still needs its mailbox
	// visibility semantics applied (DELEGATED stays surfaced as unread
	// for a human), but must not be re-routed or re-persisted.
	if existing != nil && existing.Status.IsTerminal() {
		if existing.Status == threadstore.StatusDelegated {
			if err := p.mailer.MarkUnread(ctx, account, msg.UID); err != nil {
				slog.Warn("pipeline: mark unread failed", "message_id", msg.MessageID, "error", err)
			}
		}
		return nil
	}

	d := p.router(a, existing)
	p.training.Record(msg.MessageID, msg.Body, a, d.Action)

	if existing == nil {
		creator := msg.From
		if creator == "" {
			creator = r.Account.Email
		}
		t := &threadstore.Thread{
			MessageID:    threadKey,
			ThreadID:     threadKey,
			AccountEmail: r.Account.Email,
			CreatorEmail: creator,
			Subject:      msg.Subject,
			Status:       d.Delta.Status,
		}
		if _, err := p.store.InsertThread(ctx, t); err != nil && err != threadstore.ErrConflict {
			return fmt.Errorf("pipeline: insert thread: %w", err)
		}
	}

	if _, err := p.store.UpdateThread(ctx, threadKey, d.Delta); err != nil {
		return fmt.Errorf("pipeline: update thread: %w", err)
	}

	p.recordReply(ctx, threadKey, msg, a, existing)

	metrics.PipelineRepliesProcessed.WithLabelValues(r.Account.Email, actionLabel(d.Action)).Inc()

	return p.executeAction(ctx, account, threadKey, msg, d)
}

// recordReply appends the Reply child row for this inbound message. A
// failure here is logged, not propagated: the routing decision has
// already been persisted against the Thread, and losing one Reply
// history row must not roll that back or block side effects.
func (p *Pipeline) recordReply(ctx context.Context, threadKey string, msg mailbox.Message, a decision.Analysis, existing *threadstore.Thread) {
	thread := existing
	if thread == nil {
		t, err := p.store.GetByMessageID(ctx, threadKey)
		if err != nil || t == nil {
			slog.Warn("pipeline: reload thread for reply record failed", "message_id", msg.MessageID, "error", err)
			return
		}
		thread = t
	}

	replyToStage := threadstore.ReplyToStage(0)
	if existing != nil && existing.FollowupsSent > 0 {
		replyToStage = threadstore.ReplyToStage(existing.FollowupsSent)
	}

	reply := &threadstore.Reply{
		ThreadID:     thread.ID,
		MessageID:    msg.MessageID,
		ReceivedAt:   msg.ReceivedAt,
		ReplyToStage: replyToStage,
		Subject:      msg.Subject,
		Body:         msg.Body,
		Intent:       string(a.Intent),
		HasPhone:     a.HasPhone,
		HasAddress:   a.HasAddress,
	}
	if _, err := p.store.InsertReply(ctx, reply); err != nil {
		slog.Warn("pipeline: insert reply failed", "message_id", msg.MessageID, "error", err)
	}
}

func (p *Pipeline) executeAction(ctx context.Context, account mailbox.Account, threadKey string, msg mailbox.Message, d decision.Decision) error {
	switch d.Action {
	case decision.ActionSendStage1Followup:
		if err := p.mailer.MarkRead(ctx, account, msg.UID); err != nil {
			slog.Warn("pipeline: mark read failed", "message_id", msg.MessageID, "error", err)
		}
		if err := p.dispatcher.Dispatch(ctx, threadKey, 1); err != nil {
			return fmt.Errorf("pipeline: dispatch stage 1: %w", err)
		}
		return nil

	case decision.ActionDelegateToHuman:
		if err := p.mailer.MarkUnread(ctx, account, msg.UID); err != nil {
			slog.Warn("pipeline: mark unread failed", "message_id", msg.MessageID, "error", err)
		}
		return p.cancelSchedule(ctx, threadKey)

	case decision.ActionMarkComplete:
		if err := p.mailer.MarkRead(ctx, account, msg.UID); err != nil {
			slog.Warn("pipeline: mark read failed", "message_id", msg.MessageID, "error", err)
		}
		return p.cancelSchedule(ctx, threadKey)

	case decision.ActionSkip:
		return nil
	}
	return nil
}

func (p *Pipeline) cancelSchedule(ctx context.Context, messageID string) error {
	if err := p.store.ClearNextFollowup(ctx, messageID); err != nil {
		return fmt.Errorf("pipeline: clear next followup: %w", err)
	}
	if err := p.index.Remove(ctx, messageID); err != nil {
		slog.Warn("pipeline: schedule index remove failed, next sync will recover it", "message_id", messageID, "error", err)
	}
	return nil
}

func actionLabel(a decision.Action) string {
	switch a {
	case decision.ActionSendStage1Followup:
		return "send_stage_1_followup"
	case decision.ActionDelegateToHuman:
		return "delegate_to_human"
	case decision.ActionMarkComplete:
		return "mark_complete"
	default:
		return "skip"
	}
}
