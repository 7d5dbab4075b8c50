// Package supervisor wires every component into the three cooperating
// loops the engine runs: Poll, Dispatch tick, and Sync, each registered
// with the teacher's generic lifecycle.Supervisor.
package supervisor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/flowcatalyst/followup-engine/internal/analysis"
	"github.com/flowcatalyst/followup-engine/internal/common/health"
	"github.com/flowcatalyst/followup-engine/internal/common/leader"
	"github.com/flowcatalyst/followup-engine/internal/common/lifecycle"
	"github.com/flowcatalyst/followup-engine/internal/common/tsid"
	"github.com/flowcatalyst/followup-engine/internal/config"
	"github.com/flowcatalyst/followup-engine/internal/debounce"
	"github.com/flowcatalyst/followup-engine/internal/dispatch"
	"github.com/flowcatalyst/followup-engine/internal/mailbox"
	"github.com/flowcatalyst/followup-engine/internal/pipeline"
	"github.com/flowcatalyst/followup-engine/internal/poll"
	"github.com/flowcatalyst/followup-engine/internal/scheduleindex"
	"github.com/flowcatalyst/followup-engine/internal/threadstore"
	"github.com/flowcatalyst/followup-engine/internal/traininglog"
)

const dispatchTickInterval = 15 * time.Minute

// Services holds every long-lived dependency the three loops share, plus
// the assembled lifecycle.Service set ready for lifecycle.Run.
type Services struct {
	DB    *sql.DB
	Redis *redis.Client

	Store    threadstore.Store
	Index    *scheduleindex.Index
	Mailer   mailbox.Client
	Training *traininglog.Logger

	Elector *leader.RedisLeaderElector
	Checker *health.Checker

	cfg *config.Config
}

// Build connects to Postgres and Redis, constructs every component, and
// returns the assembled Services plus the lifecycle.Service list ready
// to hand to lifecycle.Run. Callers must Close the returned Services
// during shutdown; main does so once lifecycle.Run has returned.
func Build(ctx context.Context, cfg *config.Config) (*Services, []lifecycle.Service, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("supervisor: open postgres: %w", err)
	}
	if err := pingWithRetry(ctx, db.PingContext, 5); err != nil {
		return nil, nil, fmt.Errorf("supervisor: postgres unreachable: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("supervisor: parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := pingWithRetry(ctx, func(ctx context.Context) error { return rdb.Ping(ctx).Err() }, 5); err != nil {
		return nil, nil, fmt.Errorf("supervisor: redis unreachable: %w", err)
	}

	store := threadstore.NewPostgresStore(db)
	if err := store.CreateSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("supervisor: create schema: %w", err)
	}

	index := scheduleindex.NewIndex(rdb, store)
	gate := debounce.NewGate(rdb)
	mailer := mailbox.NewIMAPSMTPClient(cfg.IMAPServer, cfg.IMAPPort, cfg.SMTPServer, cfg.SMTPPort)
	analyzer := analysis.NewGroqAnalyzer(cfg.GroqAPIKey, cfg.GroqModel)

	training, err := traininglog.Open(cfg.TrainingLogPath)
	if err != nil {
		return nil, nil, fmt.Errorf("supervisor: open training log: %w", err)
	}

	accountByEmail := make(map[string]mailbox.Account, len(cfg.Accounts))
	ratePerDay := make(map[string]int, len(cfg.Accounts))
	pollerAccounts := make([]config.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accountByEmail[a.Email] = mailbox.Account{Email: a.Email, Password: a.Password, RateLimitPerDay: a.RateLimitPerDay}
		ratePerDay[a.Email] = a.RateLimitPerDay
		pollerAccounts = append(pollerAccounts, a)
	}

	tsidGen := tsid.NewGenerator()
	dispatcher := dispatch.New(rdb, store, index, mailer, tsidGen, func(email string) (mailbox.Account, bool) {
		acc, ok := accountByEmail[email]
		return acc, ok
	})

	pl := pipeline.New(store, analyzer, gate, mailer, dispatcher, index, training, cfg.MaxConcurrentWorkers, ratePerDay)
	poller := poll.New(mailer, pollerAccounts)

	elector := leader.NewRedisLeaderElector(rdb, leader.DefaultRedisElectorConfig("followup-engine-scheduler"))

	checker := health.NewChecker()
	checker.AddReadinessCheck(health.PostgresCheck(func() error { return db.PingContext(ctx) }))
	checker.AddReadinessCheck(health.RedisCheck(func() error { return rdb.Ping(ctx).Err() }))

	svc := &Services{
		DB:       db,
		Redis:    rdb,
		Store:    store,
		Index:    index,
		Mailer:   mailer,
		Training: training,
		Elector:  elector,
		Checker:  checker,
		cfg:      cfg,
	}

	services := []lifecycle.Service{
		newElectionService(elector),
		newPollService(poller, pl, cfg.PollingInterval),
		newDispatchService(index, dispatcher, elector, store),
		newSyncService(index, elector),
	}

	return svc, services, nil
}

// Close releases Postgres, Redis, and the training log. main calls it
// after lifecycle.Run returns, by which point every worker service has
// stopped.
func (s *Services) Close() error {
	s.Elector.Stop()
	if err := s.Training.Close(); err != nil {
		slog.Warn("supervisor: training log close failed", "error", err)
	}
	if err := s.Redis.Close(); err != nil {
		slog.Warn("supervisor: redis close failed", "error", err)
	}
	return s.DB.Close()
}

func pingWithRetry(ctx context.Context, ping func(context.Context) error, attempts int) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i) * time.Second):
			}
		}
		if err := ping(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}
