package leader

import (
	"testing"
	"time"
)

// === RedisElectorConfig Tests ===

func TestDefaultRedisElectorConfig(t *testing.T) {
	cfg := DefaultRedisElectorConfig("test-leader")

	if cfg.LockName != "test-leader" {
		t.Errorf("Expected LockName 'test-leader', got '%s'", cfg.LockName)
	}

	if cfg.InstanceID == "" {
		t.Error("Expected InstanceID to be set")
	}

	if cfg.TTL != 30*time.Second {
		t.Errorf("Expected TTL 30s, got %v", cfg.TTL)
	}

	if cfg.RefreshInterval != 10*time.Second {
		t.Errorf("Expected RefreshInterval 10s, got %v", cfg.RefreshInterval)
	}
}

func TestRedisElectorConfigCustomValues(t *testing.T) {
	cfg := &RedisElectorConfig{
		InstanceID:      "my-instance",
		LockName:        "dispatch-tick-leader",
		TTL:             60 * time.Second,
		RefreshInterval: 20 * time.Second,
	}

	if cfg.InstanceID != "my-instance" {
		t.Errorf("Expected InstanceID 'my-instance', got '%s'", cfg.InstanceID)
	}

	if cfg.TTL != 60*time.Second {
		t.Errorf("Expected TTL 60s, got %v", cfg.TTL)
	}
}

// === RedisLeaderElector Unit Tests (no Redis) ===

func TestRedisLeaderElectorIsPrimaryDefault(t *testing.T) {
	elector := NewRedisLeaderElector(nil, DefaultRedisElectorConfig("test-leader"))

	if elector.IsPrimary() {
		t.Error("New elector should not be primary")
	}
}

func TestRedisLeaderElectorInstanceID(t *testing.T) {
	cfg := &RedisElectorConfig{
		InstanceID: "test-instance-123",
		LockName:   "test-lock",
	}

	elector := NewRedisLeaderElector(nil, cfg)

	if elector.InstanceID() != "test-instance-123" {
		t.Errorf("Expected InstanceID 'test-instance-123', got '%s'", elector.InstanceID())
	}
}

func TestRedisLeaderElectorCallbacks(t *testing.T) {
	elector := NewRedisLeaderElector(nil, DefaultRedisElectorConfig("test-leader"))

	becameLeader := false
	lostLeadership := false

	elector.OnBecomeLeader(func() {
		becameLeader = true
	})

	elector.OnLoseLeadership(func() {
		lostLeadership = true
	})

	if elector.onBecomeLeader == nil {
		t.Error("OnBecomeLeader callback should be set")
	}
	if elector.onLoseLeadership == nil {
		t.Error("OnLoseLeadership callback should be set")
	}

	elector.onBecomeLeader()
	elector.onLoseLeadership()

	if !becameLeader {
		t.Error("OnBecomeLeader callback was not called")
	}
	if !lostLeadership {
		t.Error("OnLoseLeadership callback was not called")
	}
}

// === Lock Name Tests ===

func TestRedisLockNameVariations(t *testing.T) {
	lockNames := []string{
		"dispatch-tick-leader",
		"schedule-sync-leader",
		"worker-1-leader",
		"my-app_leader",
	}

	for _, name := range lockNames {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultRedisElectorConfig(name)
			if cfg.LockName != name {
				t.Errorf("Expected LockName '%s', got '%s'", name, cfg.LockName)
			}
		})
	}
}

func TestMultipleInstanceIDsDistinct(t *testing.T) {
	instances := []string{
		"followup-pod-1",
		"followup-pod-2",
		"followup-pod-3",
	}

	configs := make([]*RedisElectorConfig, len(instances))
	for i, id := range instances {
		configs[i] = &RedisElectorConfig{
			InstanceID:      id,
			LockName:        "dispatch-tick-leader",
			TTL:             30 * time.Second,
			RefreshInterval: 10 * time.Second,
		}
	}

	for _, cfg := range configs {
		if cfg.LockName != "dispatch-tick-leader" {
			t.Errorf("Expected LockName 'dispatch-tick-leader', got '%s'", cfg.LockName)
		}
	}

	seen := make(map[string]bool)
	for _, cfg := range configs {
		if seen[cfg.InstanceID] {
			t.Errorf("Duplicate InstanceID: %s", cfg.InstanceID)
		}
		seen[cfg.InstanceID] = true
	}
}

// === State Transition Tests ===

func TestPrimaryStateTransitions(t *testing.T) {
	elector := NewRedisLeaderElector(nil, DefaultRedisElectorConfig("test-leader"))

	if elector.IsPrimary() {
		t.Error("Should start as non-primary")
	}

	elector.isPrimary.Store(true)
	if !elector.IsPrimary() {
		t.Error("Should be primary after setting")
	}

	elector.isPrimary.Store(false)
	if elector.IsPrimary() {
		t.Error("Should not be primary after clearing")
	}
}

// Benchmark for IsPrimary check (should be very fast)
func BenchmarkIsPrimary(b *testing.B) {
	elector := NewRedisLeaderElector(nil, DefaultRedisElectorConfig("bench-leader"))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = elector.IsPrimary()
	}
}

// Benchmark for state toggle
func BenchmarkStateToggle(b *testing.B) {
	elector := NewRedisLeaderElector(nil, DefaultRedisElectorConfig("bench-leader"))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		elector.isPrimary.Store(true)
		elector.isPrimary.Store(false)
	}
}
