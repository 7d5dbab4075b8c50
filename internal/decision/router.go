// Package decision implements the pure follow-up routing rules: given a
// classified reply and the thread's current state (if any), decide what
// the pipeline should do next. The router makes no store, network, or
// clock calls — every Decision is a deterministic function of its inputs.
package decision

import (
	"github.com/flowcatalyst/followup-engine/internal/threadstore"
)

// Intent is the classifier's judgment of a reply's meaning. Anything the
// Analyzer returns outside this enum collapses to Unclear before it
// reaches the router — see analysis.Analyzer.
type Intent string

const (
	IntentInterested        Intent = "INTERESTED"
	IntentNotInterested     Intent = "NOT_INTERESTED"
	IntentClarification     Intent = "CLARIFICATION"
	IntentContactProvided   Intent = "CONTACT_PROVIDED"
	IntentContinueOverEmail Intent = "CONTINUE_OVER_EMAIL"
	IntentUnclear           Intent = "UNCLEAR"
)

// Analysis is the classifier's verdict on one reply body, including
// whether it found a validated phone number or an address.
type Analysis struct {
	Intent     Intent
	HasPhone   bool
	HasAddress bool
}

// Action is what the pipeline must do with a reply after routing.
type Action string

const (
	ActionSendStage1Followup Action = "SEND_STAGE_1_FOLLOWUP"
	ActionDelegateToHuman    Action = "DELEGATE_TO_HUMAN"
	ActionMarkComplete       Action = "MARK_COMPLETE"
	ActionSkip               Action = "SKIP"
)

// Decision is the router's verdict: an Action to execute, the reason
// recorded against the Thread, and the state delta the caller must
// apply via ThreadStore.UpdateThread.
type Decision struct {
	Action Action
	Reason string
	Delta  threadstore.ThreadDelta
}

// Decide applies the first-match-wins rule table (R0-R7) from the reply
// routing spec. existing is nil when this messageId has not been seen
// before (the common case: the first reply in a thread).
func Decide(a Analysis, existing *threadstore.Thread) Decision {
	stage1 := 1

	switch {
	case existing != nil && a.Intent == IntentContinueOverEmail:
		// R0
		return Decision{
			Action: ActionMarkComplete,
			Reason: "continue_over_email",
			Delta: threadstore.ThreadDelta{
				Status:        threadstore.StatusCompleted,
				StopReason:    ptr(threadstore.StopReasonContinueOverEmail),
				ClearSchedule: true,
			},
		}

	case existing != nil:
		// R1 - any other intent on a thread we've already seen means the
		// creator replied again; always delegate, regardless of what the
		// classifier thinks this time.
		return Decision{
			Action: ActionDelegateToHuman,
			Reason: "creator_replied",
			Delta: threadstore.ThreadDelta{
				Status:        threadstore.StatusDelegated,
				StopReason:    ptr(threadstore.StopReasonCreatorReplied),
				ClearSchedule: true,
			},
		}

	case a.Intent == IntentNotInterested:
		// R2
		return Decision{
			Action: ActionMarkComplete,
			Reason: "not_interested",
			Delta: threadstore.ThreadDelta{
				Status:        threadstore.StatusCompleted,
				StopReason:    ptr(threadstore.StopReasonNotInterested),
				ClearSchedule: true,
			},
		}

	case a.Intent == IntentContinueOverEmail:
		// R3
		return Decision{
			Action: ActionMarkComplete,
			Reason: "continue_over_email",
			Delta: threadstore.ThreadDelta{
				Status:        threadstore.StatusCompleted,
				StopReason:    ptr(threadstore.StopReasonContinueOverEmail),
				ClearSchedule: true,
			},
		}

	case a.Intent == IntentContactProvided || a.HasPhone || a.HasAddress:
		// R4
		return Decision{
			Action: ActionDelegateToHuman,
			Reason: "contact_provided",
			Delta: threadstore.ThreadDelta{
				Status:        threadstore.StatusDelegated,
				StopReason:    ptr(threadstore.StopReasonContactProvided),
				ClearSchedule: true,
			},
		}

	case a.Intent == IntentInterested && !a.HasPhone && !a.HasAddress:
		// R5
		return Decision{
			Action: ActionSendStage1Followup,
			Reason: "interested",
			Delta: threadstore.ThreadDelta{
				Status:       threadstore.StatusFollowupActive,
				CurrentStage: &stage1,
			},
		}

	case a.Intent == IntentClarification:
		// R6
		return Decision{
			Action: ActionDelegateToHuman,
			Reason: "clarification_needed",
			Delta: threadstore.ThreadDelta{
				Status:        threadstore.StatusDelegated,
				StopReason:    ptr(threadstore.StopReasonClarificationNeeded),
				ClearSchedule: true,
			},
		}

	default:
		// R7 - fail-safe toward a human for anything the table doesn't
		// explicitly name, including a classifier that returns Unclear.
		return Decision{
			Action: ActionDelegateToHuman,
			Reason: "unknown_intent",
			Delta: threadstore.ThreadDelta{
				Status:        threadstore.StatusDelegated,
				StopReason:    ptr(threadstore.StopReasonUnknownIntent),
				ClearSchedule: true,
			},
		}
	}
}

func ptr[T any](v T) *T { return &v }
