package decision

import (
	"testing"

	"github.com/flowcatalyst/followup-engine/internal/threadstore"
)

func TestDecideRuleTable(t *testing.T) {
	existingThread := &threadstore.Thread{
		MessageID:    "msg-existing",
		Status:       threadstore.StatusFollowupActive,
		CurrentStage: 1,
	}

	tests := []struct {
		name       string
		analysis   Analysis
		existing   *threadstore.Thread
		wantAction Action
		wantStatus threadstore.Status
		wantReason threadstore.StopReason
	}{
		{
			name:       "R0 existing thread continue over email completes",
			analysis:   Analysis{Intent: IntentContinueOverEmail},
			existing:   existingThread,
			wantAction: ActionMarkComplete,
			wantStatus: threadstore.StatusCompleted,
			wantReason: threadstore.StopReasonContinueOverEmail,
		},
		{
			name:       "R1 existing thread any other intent delegates",
			analysis:   Analysis{Intent: IntentClarification},
			existing:   existingThread,
			wantAction: ActionDelegateToHuman,
			wantStatus: threadstore.StatusDelegated,
			wantReason: threadstore.StopReasonCreatorReplied,
		},
		{
			name:       "R1 existing thread interested still delegates (rule order over R5)",
			analysis:   Analysis{Intent: IntentInterested},
			existing:   existingThread,
			wantAction: ActionDelegateToHuman,
			wantStatus: threadstore.StatusDelegated,
			wantReason: threadstore.StopReasonCreatorReplied,
		},
		{
			name:       "R2 not interested completes",
			analysis:   Analysis{Intent: IntentNotInterested},
			existing:   nil,
			wantAction: ActionMarkComplete,
			wantStatus: threadstore.StatusCompleted,
			wantReason: threadstore.StopReasonNotInterested,
		},
		{
			name:       "R3 continue over email (no existing thread) completes",
			analysis:   Analysis{Intent: IntentContinueOverEmail},
			existing:   nil,
			wantAction: ActionMarkComplete,
			wantStatus: threadstore.StatusCompleted,
			wantReason: threadstore.StopReasonContinueOverEmail,
		},
		{
			name:       "R4 contact provided delegates",
			analysis:   Analysis{Intent: IntentContactProvided},
			existing:   nil,
			wantAction: ActionDelegateToHuman,
			wantStatus: threadstore.StatusDelegated,
			wantReason: threadstore.StopReasonContactProvided,
		},
		{
			name:       "R4 interested with phone delegates despite interested intent",
			analysis:   Analysis{Intent: IntentInterested, HasPhone: true},
			existing:   nil,
			wantAction: ActionDelegateToHuman,
			wantStatus: threadstore.StatusDelegated,
			wantReason: threadstore.StopReasonContactProvided,
		},
		{
			name:       "R4 interested with address delegates",
			analysis:   Analysis{Intent: IntentInterested, HasAddress: true},
			existing:   nil,
			wantAction: ActionDelegateToHuman,
			wantStatus: threadstore.StatusDelegated,
			wantReason: threadstore.StopReasonContactProvided,
		},
		{
			name:       "R5 interested with no contact sends stage 1",
			analysis:   Analysis{Intent: IntentInterested},
			existing:   nil,
			wantAction: ActionSendStage1Followup,
			wantStatus: threadstore.StatusFollowupActive,
		},
		{
			name:       "R6 clarification delegates",
			analysis:   Analysis{Intent: IntentClarification},
			existing:   nil,
			wantAction: ActionDelegateToHuman,
			wantStatus: threadstore.StatusDelegated,
			wantReason: threadstore.StopReasonClarificationNeeded,
		},
		{
			name:       "R7 unclear delegates fail-safe",
			analysis:   Analysis{Intent: IntentUnclear},
			existing:   nil,
			wantAction: ActionDelegateToHuman,
			wantStatus: threadstore.StatusDelegated,
			wantReason: threadstore.StopReasonUnknownIntent,
		},
		{
			name:       "R7 adversarial intent outside enum delegates fail-safe",
			analysis:   Analysis{Intent: Intent("anything-else")},
			existing:   nil,
			wantAction: ActionDelegateToHuman,
			wantStatus: threadstore.StatusDelegated,
			wantReason: threadstore.StopReasonUnknownIntent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.analysis, tt.existing)
			if got.Action != tt.wantAction {
				t.Errorf("Action = %v, want %v", got.Action, tt.wantAction)
			}
			if got.Delta.Status != tt.wantStatus {
				t.Errorf("Delta.Status = %v, want %v", got.Delta.Status, tt.wantStatus)
			}
			if tt.wantReason != "" {
				if got.Delta.StopReason == nil || *got.Delta.StopReason != tt.wantReason {
					t.Errorf("Delta.StopReason = %v, want %v", got.Delta.StopReason, tt.wantReason)
				}
			}
			if tt.wantAction == ActionSendStage1Followup {
				if got.Delta.CurrentStage == nil || *got.Delta.CurrentStage != 1 {
					t.Errorf("Delta.CurrentStage = %v, want 1", got.Delta.CurrentStage)
				}
			}
		})
	}
}

func TestDecideIsPure(t *testing.T) {
	a := Analysis{Intent: IntentInterested}
	d1 := Decide(a, nil)
	d2 := Decide(a, nil)
	if d1.Action != d2.Action || d1.Reason != d2.Reason {
		t.Error("Decide must be deterministic for identical inputs")
	}
}
