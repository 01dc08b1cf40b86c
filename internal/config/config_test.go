package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error. Override
	// searchPathsFunc to avoid finding real config files on the
	// developer/deploy machine.
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("llm:\n  primary:\n    api_key: ${TERMINGEIST_TEST_KEY}\n"), 0600)
	os.Setenv("TERMINGEIST_TEST_KEY", "secret123")
	defer os.Unsetenv("TERMINGEIST_TEST_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.LLM.Primary.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.LLM.Primary.APIKey, "secret123")
	}
}

func TestLoad_InlineSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("llm:\n  primary:\n    api_key: sk-ant-test-key\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.LLM.Primary.APIKey != "sk-ant-test-key" {
		t.Errorf("api_key = %q, want %q", cfg.LLM.Primary.APIKey, "sk-ant-test-key")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Listen.Port != 8088 {
		t.Errorf("listen.port = %d, want 8088", cfg.Listen.Port)
	}
	if cfg.Extraction.ConfidenceAutoThreshold != 0.85 {
		t.Errorf("confidence_auto_threshold = %v, want 0.85", cfg.Extraction.ConfidenceAutoThreshold)
	}
	if cfg.Extraction.DuplicateThreshold != 0.7 {
		t.Errorf("duplicate_threshold = %v, want 0.7", cfg.Extraction.DuplicateThreshold)
	}
	if cfg.Extraction.DuplicateSuppressThresh != 0.9 {
		t.Errorf("duplicate_suppress_threshold = %v, want 0.9", cfg.Extraction.DuplicateSuppressThresh)
	}
	if cfg.Extraction.ConversationWindowSize != 10 {
		t.Errorf("conversation_window_size = %d, want 10", cfg.Extraction.ConversationWindowSize)
	}
	if cfg.Extraction.ExistingAppointmentsDays != 60 {
		t.Errorf("existing_appointments_window_days = %d, want 60", cfg.Extraction.ExistingAppointmentsDays)
	}
	if cfg.Memory.RecallTimeoutS != 3 {
		t.Errorf("recall_timeout_s = %d, want 3", cfg.Memory.RecallTimeoutS)
	}
	if cfg.Memory.MemorizePoolSize != 16 {
		t.Errorf("memorize_pool_size = %d, want 16", cfg.Memory.MemorizePoolSize)
	}
	if cfg.Reflection.IntervalMin != 30 {
		t.Errorf("reflection_interval_min = %d, want 30", cfg.Reflection.IntervalMin)
	}
	if cfg.Timezone != "Europe/Berlin" {
		t.Errorf("timezone = %q, want Europe/Berlin", cfg.Timezone)
	}
	if cfg.Extraction.ChatID != "default" {
		t.Errorf("extraction.chat_id = %q, want default", cfg.Extraction.ChatID)
	}
}

func TestValidate_BadConfidenceThreshold(t *testing.T) {
	cfg := Default()
	cfg.Extraction.ConfidenceAutoThreshold = 1.5

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range confidence threshold")
	}
}

func TestValidate_BadTimezone(t *testing.T) {
	cfg := Default()
	cfg.Timezone = "Not/AZone"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bad timezone")
	}
}

func TestValidate_BadPort(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 99999

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "not-a-level"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for bad log level")
	}
}
