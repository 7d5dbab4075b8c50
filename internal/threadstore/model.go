// Package threadstore is the durable, transactional record of every
// outreach thread: one row per first-observed reply, plus append-only
// child logs of replies, follow-up sends, and stage transitions.
package threadstore

import "time"

// Status is the lifecycle state of a Thread.
type Status string

const (
	StatusProcessing     Status = "PROCESSING"
	StatusFollowupActive Status = "FOLLOWUP_ACTIVE"
	StatusDelegated      Status = "DELEGATED"
	StatusCompleted      Status = "COMPLETED"
	StatusError          Status = "ERROR"
)

// IsTerminal reports whether a Thread in this status never transitions again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDelegated || s == StatusError
}

// StopReason records why a Thread stopped receiving follow-ups.
type StopReason string

const (
	StopReasonNone               StopReason = ""
	StopReasonNotInterested      StopReason = "NOT_INTERESTED"
	StopReasonContinueOverEmail  StopReason = "CONTINUE_OVER_EMAIL"
	StopReasonContactProvided    StopReason = "CONTACT_PROVIDED"
	StopReasonCreatorReplied     StopReason = "CREATOR_REPLIED"
	StopReasonClarificationNeeded StopReason = "CLARIFICATION_NEEDED"
	StopReasonUnknownIntent      StopReason = "UNKNOWN_INTENT"
	StopReasonMaxSendFailures    StopReason = "MAX_SEND_FAILURES"
)

// Thread is the persistent record of one outreach conversation, keyed by
// the first observed reply's messageId.
type Thread struct {
	ID                 int64
	MessageID          string
	ThreadID           string
	AccountEmail       string
	CreatorEmail       string
	Subject            string
	Status             Status
	CurrentStage       int
	FollowupsSent      int
	FailedSends        int
	StopReason         StopReason
	NextFollowupAt     *time.Time
	LastFollowupSentAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ReplyToStage is non-zero when a Reply answers one of our stage-N sends.
type ReplyToStage int

// Reply is one inbound message accepted into the pipeline for a Thread.
type Reply struct {
	ID           int64
	ThreadID     int64
	MessageID    string
	ReceivedAt   time.Time
	ReplyToStage ReplyToStage // 0 = first reply, else 1/2/3
	Subject      string
	Body         string
	Intent       string
	HasPhone     bool
	HasAddress   bool
}

// FollowupSend is one send attempt, successful or explicitly failed.
type FollowupSend struct {
	ID       int64
	ThreadID int64
	Stage    int
	SentAt   time.Time
	Template string
	Success  bool
	Error    string
}

// StageTransition is one status or stage change, append-only.
type StageTransition struct {
	ID         int64
	ThreadID   int64
	FromStage  int
	ToStage    int
	FromStatus Status
	ToStatus   Status
	Reason     string
	ReplyID    *int64
	CreatedAt  time.Time
}

// ThreadDelta is a partial update to a Thread's routing-relevant fields,
// applied by updateThread after a DecisionRouter decision.
type ThreadDelta struct {
	Status         Status
	CurrentStage   *int
	StopReason     *StopReason
	NextFollowupAt *time.Time
	ClearSchedule  bool
}
