package traininglog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/flowcatalyst/followup-engine/internal/decision"
)

func TestRecordAppendsOneJSONLinePerCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "training.jsonl")

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	l.Record("m1", "sure, interested", decision.Analysis{Intent: decision.IntentInterested}, decision.ActionSendStage1Followup)
	l.Record("m2", "not interested", decision.Analysis{Intent: decision.IntentNotInterested}, decision.ActionMarkComplete)

	if err := l.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open written file: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		lines = append(lines, m)
	}

	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0]["message_id"] != "m1" {
		t.Errorf("message_id = %v, want m1", lines[0]["message_id"])
	}
	if lines[1]["intent"] != "NOT_INTERESTED" {
		t.Errorf("intent = %v, want NOT_INTERESTED", lines[1]["intent"])
	}
}
