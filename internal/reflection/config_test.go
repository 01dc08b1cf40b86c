package reflection

import (
	"testing"
	"time"
)

func TestConfig_WithDefaults(t *testing.T) {
	got := Config{}.WithDefaults()

	if got.Interval != 30*time.Minute {
		t.Errorf("Interval = %v, want 30m", got.Interval)
	}
	if got.LockTTL != 30*time.Minute {
		t.Errorf("LockTTL = %v, want 30m", got.LockTTL)
	}
	if got.MessageWindow != 24*time.Hour {
		t.Errorf("MessageWindow = %v, want 24h", got.MessageWindow)
	}
	if got.MessageLimit != 50 {
		t.Errorf("MessageLimit = %d, want 50", got.MessageLimit)
	}
	if got.FeedbackWindow != 7*24*time.Hour {
		t.Errorf("FeedbackWindow = %v, want 7d", got.FeedbackWindow)
	}
	if got.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v, want 60s", got.Timeout)
	}
}

func TestConfig_WithDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := Config{Interval: 5 * time.Minute, MessageLimit: 10}.WithDefaults()

	if cfg.Interval != 5*time.Minute {
		t.Errorf("Interval = %v, want 5m (explicit value overwritten)", cfg.Interval)
	}
	if cfg.MessageLimit != 10 {
		t.Errorf("MessageLimit = %d, want 10 (explicit value overwritten)", cfg.MessageLimit)
	}
	// Untouched fields still get defaults.
	if cfg.LockTTL != 30*time.Minute {
		t.Errorf("LockTTL = %v, want 30m default", cfg.LockTTL)
	}
}
