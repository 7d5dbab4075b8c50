package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/followup")
	t.Setenv("ACCOUNT_1_EMAIL", "a@example.com")
	t.Setenv("ACCOUNT_1_PASSWORD", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.IMAPServer != "imap.gmail.com" {
		t.Errorf("expected default IMAP_SERVER, got %q", cfg.IMAPServer)
	}
	if cfg.IMAPPort != 993 {
		t.Errorf("expected default IMAP_PORT 993, got %d", cfg.IMAPPort)
	}
	if cfg.SMTPServer != "smtp.gmail.com" {
		t.Errorf("expected default SMTP_SERVER, got %q", cfg.SMTPServer)
	}
	if cfg.MaxConcurrentWorkers != 10 {
		t.Errorf("expected default MAX_CONCURRENT_WORKERS 10, got %d", cfg.MaxConcurrentWorkers)
	}
	if len(cfg.Accounts) != 1 {
		t.Fatalf("expected 1 configured account, got %d", len(cfg.Accounts))
	}
	if cfg.Accounts[0].RateLimitPerDay != 500 {
		t.Errorf("expected default rate limit 500, got %d", cfg.Accounts[0].RateLimitPerDay)
	}
}

func TestLoadMultipleAccountsAndOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/followup")
	t.Setenv("ACCOUNT_1_EMAIL", "a@example.com")
	t.Setenv("ACCOUNT_1_PASSWORD", "secret")
	t.Setenv("ACCOUNT_2_EMAIL", "b@example.com")
	t.Setenv("ACCOUNT_2_PASSWORD", "secret2")
	t.Setenv("ACCOUNT_2_RATE_LIMIT_PER_DAY", "250")
	t.Setenv("POLLING_INTERVAL", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if len(cfg.Accounts) != 2 {
		t.Fatalf("expected 2 configured accounts, got %d", len(cfg.Accounts))
	}
	if cfg.Accounts[1].RateLimitPerDay != 250 {
		t.Errorf("expected overridden rate limit 250, got %d", cfg.Accounts[1].RateLimitPerDay)
	}
	if cfg.PollingInterval.Seconds() != 30 {
		t.Errorf("expected overridden polling interval 30s, got %v", cfg.PollingInterval)
	}
}

func TestLoadSkipsIncompleteAccounts(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/followup")
	t.Setenv("ACCOUNT_1_EMAIL", "a@example.com")
	t.Setenv("ACCOUNT_1_PASSWORD", "secret")
	// ACCOUNT_2_EMAIL set without a password: must not be treated as configured.
	t.Setenv("ACCOUNT_2_EMAIL", "b@example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if len(cfg.Accounts) != 1 {
		t.Fatalf("expected incomplete account to be skipped, got %d accounts", len(cfg.Accounts))
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ACCOUNT_1_EMAIL", "a@example.com")
	t.Setenv("ACCOUNT_1_PASSWORD", "secret")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
}

func TestLoadRequiresAtLeastOneAccount(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/followup")
	for _, key := range []string{"ACCOUNT_1_EMAIL", "ACCOUNT_1_PASSWORD", "ACCOUNT_2_EMAIL", "ACCOUNT_2_PASSWORD", "ACCOUNT_3_EMAIL", "ACCOUNT_3_PASSWORD"} {
		t.Setenv(key, "")
	}

	if _, err := Load(); err == nil {
		t.Fatal("expected error when no account is configured")
	}
}
