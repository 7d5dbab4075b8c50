package supervisor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowcatalyst/followup-engine/internal/common/lifecycle"
	"github.com/flowcatalyst/followup-engine/internal/dispatch"
	"github.com/flowcatalyst/followup-engine/internal/pipeline"
	"github.com/flowcatalyst/followup-engine/internal/poll"
	"github.com/flowcatalyst/followup-engine/internal/scheduleindex"
	"github.com/flowcatalyst/followup-engine/internal/threadstore"

	"github.com/flowcatalyst/followup-engine/internal/common/leader"
)

// dispatchTickConcurrency bounds how many (messageId, stage) tasks the
// dispatch tick runs at once, the same "bounded concurrency" shape the
// Pipeline uses for reply processing (§4.7/§4.8).
const dispatchTickConcurrency = 10

// electionService wraps leader.RedisLeaderElector as a lifecycle.Service
// so the Supervisor starts and stops it alongside every other loop.
type electionService struct {
	elector *leader.RedisLeaderElector
}

func newElectionService(elector *leader.RedisLeaderElector) *electionService {
	return &electionService{elector: elector}
}

func (s *electionService) Name() string { return "leader-election" }

func (s *electionService) Start(ctx context.Context) error {
	if err := s.elector.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (s *electionService) Stop(ctx context.Context) error {
	s.elector.Stop()
	return nil
}

func (s *electionService) Health() error { return nil }

// pollService runs the Poller-then-Pipeline tick on PollingInterval.
// Every instance polls; polling is not leader-gated, since concurrent
// polling of the same mailbox is safe (IMAP \Seen flags and the
// Debouncer absorb duplicates).
type pollService struct {
	poller   *poll.Poller
	pipeline *pipeline.Pipeline
	interval time.Duration
}

func newPollService(poller *poll.Poller, pl *pipeline.Pipeline, interval time.Duration) *pollService {
	return &pollService{poller: poller, pipeline: pl, interval: interval}
}

func (s *pollService) Name() string { return "poll-loop" }

func (s *pollService) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			replies := s.poller.Tick(ctx)
			if len(replies) == 0 {
				continue
			}
			if err := s.pipeline.ProcessBatch(ctx, replies); err != nil {
				slog.Error("poll loop: batch processing error", "error", err)
			}
		}
	}
}

func (s *pollService) Stop(ctx context.Context) error { return nil }
func (s *pollService) Health() error                  { return nil }

// dispatchService runs the dispatch tick: claim everything due from the
// ScheduleIndex and fan out to the Dispatcher. Gated to the elected
// leader so two instances never claim and dispatch concurrently.
type dispatchService struct {
	index      *scheduleindex.Index
	dispatcher *dispatch.Dispatcher
	elector    *leader.RedisLeaderElector
	store      threadstore.Store
}

func newDispatchService(index *scheduleindex.Index, dispatcher *dispatch.Dispatcher, elector *leader.RedisLeaderElector, store threadstore.Store) *dispatchService {
	return &dispatchService{index: index, dispatcher: dispatcher, elector: elector, store: store}
}

func (s *dispatchService) Name() string { return "dispatch-tick" }

func (s *dispatchService) Start(ctx context.Context) error {
	ticker := time.NewTicker(dispatchTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.elector.IsPrimary() {
				continue
			}
			s.runTick(ctx)
		}
	}
}

func (s *dispatchService) runTick(ctx context.Context) {
	now := time.Now()
	due, err := s.index.Claim(ctx, now)
	if err != nil {
		slog.Warn("dispatch tick: index claim unavailable, falling back to store", "error", err)
	}

	// §4.3 fallback: an unreachable or empty index must not stall
	// dispatch - the store is the source of truth, the index only a
	// speed optimization. A thread the store reports due but the index
	// never claimed (e.g. right after a restart, before the first sync)
	// is still dispatched here; the Dispatcher's own dedup key and
	// eligibility guard make re-processing any overlap harmless.
	if err != nil || len(due) == 0 {
		fallback, fbErr := s.store.GetThreadsDueForFollowup(ctx)
		if fbErr != nil {
			slog.Error("dispatch tick: store fallback failed", "error", fbErr)
		} else {
			for _, t := range fallback {
				due = append(due, t.MessageID)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dispatchTickConcurrency)
	for _, messageID := range due {
		messageID := messageID
		g.Go(func() error {
			s.dispatchOne(gctx, messageID)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *dispatchService) dispatchOne(ctx context.Context, messageID string) {
	thread, err := s.store.GetByMessageID(ctx, messageID)
	if err != nil {
		slog.Error("dispatch tick: load thread failed", "message_id", messageID, "error", err)
		return
	}
	if thread == nil {
		return
	}
	// The index only tracks which messageIds are due, not their stage;
	// the stage due next is always one past whatever has actually been
	// sent. CurrentStage tracks the next-scheduled stage (already bumped
	// by ScheduleNextFollowup ahead of that stage's send), so deriving
	// the due stage from it would skip straight to the stage after next.
	stage := thread.FollowupsSent + 1
	if err := s.dispatcher.Dispatch(ctx, messageID, stage); err != nil {
		slog.Error("dispatch tick: dispatch failed", "message_id", messageID, "error", err)
	}
}

func (s *dispatchService) Stop(ctx context.Context) error { return nil }
func (s *dispatchService) Health() error                  { return nil }

// syncService runs the ScheduleIndex sync on a 15 minute tick, gated to
// the elected leader (Sync additionally uses its own TTL lock, so a
// second instance racing in during an election handoff is still safe).
type syncService struct {
	index   *scheduleindex.Index
	elector *leader.RedisLeaderElector
}

func newSyncService(index *scheduleindex.Index, elector *leader.RedisLeaderElector) *syncService {
	return &syncService{index: index, elector: elector}
}

func (s *syncService) Name() string { return "schedule-index-sync" }

func (s *syncService) Start(ctx context.Context) error {
	ticker := time.NewTicker(scheduleindex.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.elector.IsPrimary() {
				continue
			}
			if err := s.index.Sync(ctx); err != nil {
				slog.Error("sync loop: sync failed", "error", err)
			}
		}
	}
}

func (s *syncService) Stop(ctx context.Context) error { return nil }
func (s *syncService) Health() error                  { return nil }
