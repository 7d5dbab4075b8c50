package scheduleindex

import "testing"

// These tests exercise Index construction and its instance-id fallback
// without a live Redis connection, matching the teacher's style of
// testing leader-election config/state without standing up real Redis
// (see internal/common/leader/election_test.go). The Redis-dependent
// methods (Sync/DueAsOf/Add/Remove/Claim) need a live server and are not
// exercised by any test; the pipeline tests replace Remove with a fake
// at its call site.
func TestNewIndexSetsInstanceID(t *testing.T) {
	idx := NewIndex(nil, nil)

	if idx.instanceID == "" {
		t.Error("expected a non-empty instanceID")
	}
}

func TestNewIndexStoresDependencies(t *testing.T) {
	idx := NewIndex(nil, nil)

	if idx.client != nil {
		t.Error("expected client to be stored as passed (nil)")
	}
	if idx.store != nil {
		t.Error("expected store to be stored as passed (nil)")
	}
}
