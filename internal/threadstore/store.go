package threadstore

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned by InsertThread when messageId already exists.
// It is a sentinel, not a failure: the caller proceeds as if another
// worker won the race.
var ErrConflict = errors.New("thread: messageId conflict")

// Store is the durable record of every outreach thread, its replies,
// its send attempts, and its stage transitions. Implementations must
// make recordFollowupSent atomic with its counter update (I2).
type Store interface {
	GetByMessageID(ctx context.Context, messageID string) (*Thread, error)
	InsertThread(ctx context.Context, t *Thread) (int64, error)
	UpdateThread(ctx context.Context, messageID string, delta ThreadDelta) (bool, error)

	IncrementFailedSends(ctx context.Context, messageID string) (int, error)

	// RecordFollowupSent is the single point at which a send becomes
	// durable. It increments followupsSent, sets lastFollowupSentAt and
	// currentStage, appends a FollowupSend row, and appends a
	// StageTransition row if the stage changed — all within one
	// transaction.
	RecordFollowupSent(ctx context.Context, messageID string, stage int, template string) error

	ScheduleNextFollowup(ctx context.Context, messageID string, nextStage int, at time.Time) error
	ClearNextFollowup(ctx context.Context, messageID string) error

	GetThreadsForScheduleSync(ctx context.Context) ([]*Thread, error)
	GetThreadsDueForFollowup(ctx context.Context) ([]*Thread, error)

	InsertReply(ctx context.Context, r *Reply) (int64, error)
}
