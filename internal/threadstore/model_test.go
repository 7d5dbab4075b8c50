package threadstore

import "testing"

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusDelegated, StatusError}
	nonTerminal := []Status{StatusProcessing, StatusFollowupActive}

	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}
