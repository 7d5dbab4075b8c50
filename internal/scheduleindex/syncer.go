// Package scheduleindex maintains a Redis sorted-set cache of Threads
// due for their next follow-up, synchronized periodically from the
// ThreadStore and maintained incrementally between syncs.
package scheduleindex

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowcatalyst/followup-engine/internal/common/metrics"
	"github.com/flowcatalyst/followup-engine/internal/threadstore"
)

const (
	liveKey     = "followup_schedule"
	tmpKey      = "followup_schedule_tmp"
	lockKey     = "redis_sync_lock"
	syncLockTTL = 14 * time.Minute

	// SyncInterval is how often one worker refreshes the index from
	// ThreadStore.
	SyncInterval = 15 * time.Minute
)

// releaseScript atomically deletes lockKey only if it is still held by
// the instance that set it, mirroring the check-and-delete pattern used
// for this engine's leader lock.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Index is the Redis-backed due-set cache described by the schedule
// sync protocol: a sorted set keyed by messageId, scored by
// nextFollowupAt as an epoch second.
type Index struct {
	client     *redis.Client
	store      threadstore.Store
	instanceID string
}

// NewIndex creates a schedule index synchronized from store.
func NewIndex(client *redis.Client, store threadstore.Store) *Index {
	instanceID, _ := os.Hostname()
	if instanceID == "" {
		instanceID = fmt.Sprintf("instance-%d", os.Getpid())
	}
	return &Index{client: client, store: store, instanceID: instanceID}
}

// Sync runs one cycle of the sync protocol: acquire the mutual-exclusion
// lock (TTL 14 min, so a crashed syncer cannot block others past that
// bound), load every Thread eligible for the index, populate a
// temporary key, and atomically rename it over the live key. If no rows
// are eligible, the live key is deleted instead so a stale snapshot is
// never observed once all threads have drained.
//
// Only one worker across the fleet runs a sync at a time; the lock is
// released as soon as the sync finishes, and a worker that finds it held
// returns nil immediately.
func (idx *Index) Sync(ctx context.Context) error {
	acquired, err := idx.client.SetNX(ctx, lockKey, idx.instanceID, syncLockTTL).Result()
	if err != nil {
		return fmt.Errorf("schedule index sync: acquire lock: %w", err)
	}
	if !acquired {
		return nil
	}
	defer idx.release(context.Background())

	start := time.Now()
	defer func() {
		metrics.ScheduleIndexSyncDuration.Observe(time.Since(start).Seconds())
	}()

	threads, err := idx.store.GetThreadsForScheduleSync(ctx)
	if err != nil {
		return fmt.Errorf("schedule index sync: load threads: %w", err)
	}

	if len(threads) == 0 {
		if err := idx.client.Del(ctx, liveKey).Err(); err != nil {
			return fmt.Errorf("schedule index sync: clear empty live key: %w", err)
		}
		metrics.ScheduleIndexSize.Set(0)
		slog.Info("schedule index sync found no eligible threads, cleared live key")
		return nil
	}

	if err := idx.client.Del(ctx, tmpKey).Err(); err != nil {
		return fmt.Errorf("schedule index sync: clear tmp key: %w", err)
	}

	members := make([]redis.Z, 0, len(threads))
	for _, t := range threads {
		if t.NextFollowupAt == nil {
			continue
		}
		members = append(members, redis.Z{
			Score:  float64(t.NextFollowupAt.Unix()),
			Member: t.MessageID,
		})
	}
	if len(members) > 0 {
		if err := idx.client.ZAdd(ctx, tmpKey, members...).Err(); err != nil {
			return fmt.Errorf("schedule index sync: populate tmp key: %w", err)
		}
	}

	// Consumers querying between the load above and this rename still
	// see the previous live snapshot; there is no empty window.
	if err := idx.client.Rename(ctx, tmpKey, liveKey).Err(); err != nil {
		return fmt.Errorf("schedule index sync: rename tmp over live: %w", err)
	}

	metrics.ScheduleIndexSize.Set(float64(len(members)))
	slog.Info("schedule index sync complete", "threads", len(members))
	return nil
}

func (idx *Index) release(ctx context.Context) {
	if err := releaseScript.Run(ctx, idx.client, []string{lockKey}, idx.instanceID).Err(); err != nil {
		slog.Warn("schedule index sync lock release failed, will TTL out", "error", err)
	}
}

// DueAsOf returns the messageIds of Threads due by now, read from the
// live key in ascending score order. An empty result (whether from a
// genuinely empty index or a Redis error) signals the caller to fall
// back to ThreadStore.GetThreadsDueForFollowup — the index is an
// optimization, never the source of truth.
func (idx *Index) DueAsOf(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := idx.client.ZRangeByScore(ctx, liveKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		metrics.ScheduleIndexFallbacks.Inc()
		return nil, fmt.Errorf("schedule index due as of: %w", err)
	}
	return ids, nil
}

// Add performs point maintenance on the live key so that a newly
// scheduled follow-up is visible before the next periodic sync.
func (idx *Index) Add(ctx context.Context, messageID string, at time.Time) error {
	return idx.client.ZAdd(ctx, liveKey, redis.Z{Score: float64(at.Unix()), Member: messageID}).Err()
}

// Remove drops messageID from the live key, used when a follow-up is
// sent, cancelled, or the thread stops.
func (idx *Index) Remove(ctx context.Context, messageID string) error {
	return idx.client.ZRem(ctx, liveKey, messageID).Err()
}

// claimScript returns and removes every member due by ARGV[1] in one
// atomic step, so two Supervisors racing a dispatch tick never both
// claim the same messageId (§5: "use a script/multi-op that
// removes-and-returns ... to claim tasks").
var claimScript = redis.NewScript(`
	local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #due > 0 then
		redis.call("ZREM", KEYS[1], unpack(due))
	end
	return due
`)

// Claim atomically pops every messageId due by now from the live key
// and returns them. A messageId returned here is no longer visible to
// any other caller of Claim or DueAsOf; the caller owns dispatching it
// exactly once.
func (idx *Index) Claim(ctx context.Context, now time.Time) ([]string, error) {
	res, err := claimScript.Run(ctx, idx.client, []string{liveKey}, now.Unix()).StringSlice()
	if err != nil {
		metrics.ScheduleIndexFallbacks.Inc()
		return nil, fmt.Errorf("schedule index claim: %w", err)
	}
	return res, nil
}
