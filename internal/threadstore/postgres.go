package threadstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/flowcatalyst/followup-engine/internal/common/repository"
)

// PostgresStore implements Store over a plain database/sql connection
// pool. RecordFollowupSent, the one multi-row mutation, runs in an
// explicit transaction and locks the Thread row with SELECT ... FOR
// UPDATE; every other method is a single statement without row locking
// (see I2, I4 in the data model).
type PostgresStore struct {
	db         *sql.DB
	threads    string
	replies    string
	sends      string
	transtions string
}

// NewPostgresStore creates a ThreadStore backed by the given pool. Table
// names are fixed; this engine does not support multi-tenant table
// sharding.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:         db,
		threads:    "threads",
		replies:    "replies",
		sends:      "followup_sends",
		transtions: "stage_transitions",
	}
}

// CreateSchema creates the tables and indexes this store needs if they
// do not already exist.
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				message_id VARCHAR(512) NOT NULL UNIQUE,
				thread_id VARCHAR(512) NOT NULL,
				account_email VARCHAR(320) NOT NULL,
				creator_email VARCHAR(320) NOT NULL,
				subject TEXT NOT NULL DEFAULT '',
				status VARCHAR(20) NOT NULL,
				current_stage SMALLINT NOT NULL DEFAULT 0,
				followups_sent SMALLINT NOT NULL DEFAULT 0,
				failed_sends SMALLINT NOT NULL DEFAULT 0,
				stop_reason VARCHAR(32) NOT NULL DEFAULT '',
				next_followup_at TIMESTAMPTZ,
				last_followup_sent_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, s.threads),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_schedule_sync ON %s(next_followup_at) WHERE status = 'FOLLOWUP_ACTIVE' AND stop_reason = '' AND next_followup_at IS NOT NULL`, s.threads, s.threads),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				thread_id BIGINT NOT NULL REFERENCES %s(id),
				message_id VARCHAR(512) NOT NULL,
				received_at TIMESTAMPTZ NOT NULL,
				reply_to_stage SMALLINT NOT NULL DEFAULT 0,
				subject TEXT NOT NULL DEFAULT '',
				body TEXT NOT NULL DEFAULT '',
				intent VARCHAR(64) NOT NULL DEFAULT '',
				has_phone BOOLEAN NOT NULL DEFAULT FALSE,
				has_address BOOLEAN NOT NULL DEFAULT FALSE
			)
		`, s.replies, s.threads),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_thread ON %s(thread_id)`, s.replies, s.replies),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				thread_id BIGINT NOT NULL REFERENCES %s(id),
				stage SMALLINT NOT NULL,
				sent_at TIMESTAMPTZ NOT NULL,
				template TEXT NOT NULL,
				success BOOLEAN NOT NULL,
				error TEXT NOT NULL DEFAULT ''
			)
		`, s.sends, s.threads),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_thread ON %s(thread_id)`, s.sends, s.sends),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				thread_id BIGINT NOT NULL REFERENCES %s(id),
				from_stage SMALLINT NOT NULL,
				to_stage SMALLINT NOT NULL,
				from_status VARCHAR(20) NOT NULL,
				to_status VARCHAR(20) NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				reply_id BIGINT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, s.transtions, s.threads),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_thread ON %s(thread_id)`, s.transtions, s.transtions),
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetByMessageID(ctx context.Context, messageID string) (*Thread, error) {
	return repository.Instrument(ctx, s.threads, "get_by_message_id", func() (*Thread, error) {
		query := fmt.Sprintf(`
			SELECT id, message_id, thread_id, account_email, creator_email, subject,
			       status, current_stage, followups_sent, failed_sends, stop_reason,
			       next_followup_at, last_followup_sent_at, created_at, updated_at
			FROM %s WHERE message_id = $1
		`, s.threads)

		t := &Thread{}
		var nextFollowupAt, lastSentAt sql.NullTime
		err := s.db.QueryRowContext(ctx, query, messageID).Scan(
			&t.ID, &t.MessageID, &t.ThreadID, &t.AccountEmail, &t.CreatorEmail, &t.Subject,
			&t.Status, &t.CurrentStage, &t.FollowupsSent, &t.FailedSends, &t.StopReason,
			&nextFollowupAt, &lastSentAt, &t.CreatedAt, &t.UpdatedAt,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("get by message id: %w", err)
		}
		if nextFollowupAt.Valid {
			t.NextFollowupAt = &nextFollowupAt.Time
		}
		if lastSentAt.Valid {
			t.LastFollowupSentAt = &lastSentAt.Time
		}
		return t, nil
	})
}

func (s *PostgresStore) InsertThread(ctx context.Context, t *Thread) (int64, error) {
	return repository.Instrument(ctx, s.threads, "insert_thread", func() (int64, error) {
		query := fmt.Sprintf(`
			INSERT INTO %s (message_id, thread_id, account_email, creator_email, subject, status, current_stage)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, s.threads)

		var id int64
		err := s.db.QueryRowContext(ctx, query,
			t.MessageID, t.ThreadID, t.AccountEmail, t.CreatorEmail, t.Subject, t.Status, t.CurrentStage,
		).Scan(&id)
		if isUniqueViolation(err) {
			return 0, ErrConflict
		}
		if err != nil {
			return 0, fmt.Errorf("insert thread: %w", err)
		}
		return id, nil
	})
}

func (s *PostgresStore) UpdateThread(ctx context.Context, messageID string, delta ThreadDelta) (bool, error) {
	return repository.Instrument(ctx, s.threads, "update_thread", func() (bool, error) {
		sets := []string{"status = $1", "updated_at = NOW()"}
		args := []any{delta.Status}
		n := 1

		if delta.CurrentStage != nil {
			n++
			sets = append(sets, fmt.Sprintf("current_stage = $%d", n))
			args = append(args, *delta.CurrentStage)
		}
		if delta.StopReason != nil {
			n++
			sets = append(sets, fmt.Sprintf("stop_reason = $%d", n))
			args = append(args, *delta.StopReason)
		}
		if delta.ClearSchedule {
			sets = append(sets, "next_followup_at = NULL")
		} else if delta.NextFollowupAt != nil {
			n++
			sets = append(sets, fmt.Sprintf("next_followup_at = $%d", n))
			args = append(args, *delta.NextFollowupAt)
		}

		n++
		args = append(args, messageID)
		query := fmt.Sprintf(`UPDATE %s SET %s WHERE message_id = $%d`, s.threads, joinComma(sets), n)

		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return false, fmt.Errorf("update thread: %w", err)
		}
		rows, _ := result.RowsAffected()
		return rows > 0, nil
	})
}

func (s *PostgresStore) IncrementFailedSends(ctx context.Context, messageID string) (int, error) {
	return repository.Instrument(ctx, s.threads, "increment_failed_sends", func() (int, error) {
		query := fmt.Sprintf(`
			UPDATE %s SET failed_sends = failed_sends + 1, updated_at = NOW()
			WHERE message_id = $1
			RETURNING failed_sends
		`, s.threads)

		var count int
		err := s.db.QueryRowContext(ctx, query, messageID).Scan(&count)
		if err != nil {
			return 0, fmt.Errorf("increment failed sends: %w", err)
		}
		return count, nil
	})
}

// RecordFollowupSent is the linearization point for "stage N sent" (I2).
// It must be atomic with the followupsSent counter update so the
// invariant holds under crash: a single transaction updates the Thread,
// appends the FollowupSend row, and appends a StageTransition row if the
// stage actually changed.
func (s *PostgresStore) RecordFollowupSent(ctx context.Context, messageID string, stage int, template string) error {
	return repository.InstrumentVoid(ctx, s.threads, "record_followup_sent", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("record followup sent: begin: %w", err)
		}
		defer tx.Rollback()

		var threadPK int64
		var fromStage int
		var fromStatus string
		err = tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT id, current_stage, status FROM %s WHERE message_id = $1 FOR UPDATE`, s.threads,
		), messageID).Scan(&threadPK, &fromStage, &fromStatus)
		if err != nil {
			return fmt.Errorf("record followup sent: lookup: %w", err)
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET followups_sent = followups_sent + 1,
			    last_followup_sent_at = $1,
			    current_stage = $2,
			    updated_at = NOW()
			WHERE id = $3
		`, s.threads), now, stage, threadPK)
		if err != nil {
			return fmt.Errorf("record followup sent: update thread: %w", err)
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (thread_id, stage, sent_at, template, success)
			VALUES ($1, $2, $3, $4, TRUE)
		`, s.sends), threadPK, stage, now, template)
		if err != nil {
			return fmt.Errorf("record followup sent: insert send: %w", err)
		}

		if fromStage != stage {
			_, err = tx.ExecContext(ctx, fmt.Sprintf(`
				INSERT INTO %s (thread_id, from_stage, to_stage, from_status, to_status, reason)
				VALUES ($1, $2, $3, $4, $4, 'followup_sent')
			`, s.transtions), threadPK, fromStage, stage, fromStatus)
			if err != nil {
				return fmt.Errorf("record followup sent: insert transition: %w", err)
			}
		}

		return tx.Commit()
	})
}

func (s *PostgresStore) ScheduleNextFollowup(ctx context.Context, messageID string, nextStage int, at time.Time) error {
	return repository.InstrumentVoid(ctx, s.threads, "schedule_next_followup", func() error {
		query := fmt.Sprintf(`
			UPDATE %s
			SET next_followup_at = $1, current_stage = $2, status = 'FOLLOWUP_ACTIVE', updated_at = NOW()
			WHERE message_id = $3
		`, s.threads)
		_, err := s.db.ExecContext(ctx, query, at, nextStage, messageID)
		if err != nil {
			return fmt.Errorf("schedule next followup: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) ClearNextFollowup(ctx context.Context, messageID string) error {
	return repository.InstrumentVoid(ctx, s.threads, "clear_next_followup", func() error {
		query := fmt.Sprintf(`UPDATE %s SET next_followup_at = NULL, updated_at = NOW() WHERE message_id = $1`, s.threads)
		_, err := s.db.ExecContext(ctx, query, messageID)
		if err != nil {
			return fmt.Errorf("clear next followup: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) GetThreadsForScheduleSync(ctx context.Context) ([]*Thread, error) {
	return repository.Instrument(ctx, s.threads, "get_threads_for_schedule_sync", func() ([]*Thread, error) {
		query := fmt.Sprintf(`
			SELECT id, message_id, thread_id, account_email, creator_email, subject,
			       status, current_stage, followups_sent, failed_sends, stop_reason,
			       next_followup_at, last_followup_sent_at, created_at, updated_at
			FROM %s
			WHERE status = 'FOLLOWUP_ACTIVE' AND next_followup_at IS NOT NULL AND stop_reason = ''
			ORDER BY next_followup_at ASC
		`, s.threads)
		return s.queryThreads(ctx, query)
	})
}

func (s *PostgresStore) GetThreadsDueForFollowup(ctx context.Context) ([]*Thread, error) {
	return repository.Instrument(ctx, s.threads, "get_threads_due_for_followup", func() ([]*Thread, error) {
		query := fmt.Sprintf(`
			SELECT id, message_id, thread_id, account_email, creator_email, subject,
			       status, current_stage, followups_sent, failed_sends, stop_reason,
			       next_followup_at, last_followup_sent_at, created_at, updated_at
			FROM %s
			WHERE status = 'FOLLOWUP_ACTIVE' AND next_followup_at IS NOT NULL AND stop_reason = ''
			  AND next_followup_at <= NOW() AND failed_sends < 3
			ORDER BY next_followup_at ASC
		`, s.threads)
		return s.queryThreads(ctx, query)
	})
}

func (s *PostgresStore) queryThreads(ctx context.Context, query string) ([]*Thread, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer rows.Close()

	var out []*Thread
	for rows.Next() {
		t := &Thread{}
		var nextFollowupAt, lastSentAt sql.NullTime
		if err := rows.Scan(
			&t.ID, &t.MessageID, &t.ThreadID, &t.AccountEmail, &t.CreatorEmail, &t.Subject,
			&t.Status, &t.CurrentStage, &t.FollowupsSent, &t.FailedSends, &t.StopReason,
			&nextFollowupAt, &lastSentAt, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		if nextFollowupAt.Valid {
			t.NextFollowupAt = &nextFollowupAt.Time
		}
		if lastSentAt.Valid {
			t.LastFollowupSentAt = &lastSentAt.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertReply(ctx context.Context, r *Reply) (int64, error) {
	return repository.Instrument(ctx, s.replies, "insert_reply", func() (int64, error) {
		query := fmt.Sprintf(`
			INSERT INTO %s (thread_id, message_id, received_at, reply_to_stage, subject, body, intent, has_phone, has_address)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id
		`, s.replies)

		var id int64
		err := s.db.QueryRowContext(ctx, query,
			r.ThreadID, r.MessageID, r.ReceivedAt, r.ReplyToStage, r.Subject, r.Body, r.Intent, r.HasPhone, r.HasAddress,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert reply: %w", err)
		}
		return id, nil
	})
}

func joinComma(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
