package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WA_GROUP_JIDS", "")
	t.Setenv("OPENAI_MODEL", "")
	t.Setenv("EVENT_DEFAULT_TZ", "")
	t.Setenv("DB_DSN", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.GroupJIDs) != 0 {
		t.Errorf("GroupJIDs = %v, want empty (discovery mode)", cfg.GroupJIDs)
	}
	if cfg.OpenAIModel != "gpt-4o-mini" {
		t.Errorf("OpenAIModel = %q, want default", cfg.OpenAIModel)
	}
	if cfg.DefaultTZ == nil || cfg.DefaultTZ.String() != "America/Sao_Paulo" {
		t.Errorf("DefaultTZ = %v, want America/Sao_Paulo", cfg.DefaultTZ)
	}
	if cfg.ReconnectBaseDelay != 2*time.Second {
		t.Errorf("ReconnectBaseDelay = %v, want 2s", cfg.ReconnectBaseDelay)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
}

func TestLoadGroupJIDsSplitAndTrim(t *testing.T) {
	t.Setenv("WA_GROUP_JIDS", " 123-1@g.us , 456-2@g.us ,, ")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	want := []string{"123-1@g.us", "456-2@g.us"}
	if len(cfg.GroupJIDs) != len(want) {
		t.Fatalf("GroupJIDs = %v, want %v", cfg.GroupJIDs, want)
	}
	for i := range want {
		if cfg.GroupJIDs[i] != want[i] {
			t.Errorf("GroupJIDs[%d] = %q, want %q", i, cfg.GroupJIDs[i], want[i])
		}
	}
}

func TestLoadInvalidTZ(t *testing.T) {
	t.Setenv("EVENT_DEFAULT_TZ", "Mars/Olympus_Mons")
	if _, err := Load(); err == nil {
		t.Error("Load() error = nil, want invalid tz error")
	}
}

func TestValidateRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	cfg, _ := Load()
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() error = nil, want missing api key error")
	}
	t.Setenv("OPENAI_API_KEY", "sk-test")
	cfg, _ = Load()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestLoadKnobOverrides(t *testing.T) {
	t.Setenv("LLM_MAX_RETRIES", "5")
	t.Setenv("LLM_BASE_DELAY", "250ms")
	t.Setenv("RECONNECT_MAX_RETRIES", "2")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.LLMMaxRetries != 5 {
		t.Errorf("LLMMaxRetries = %d, want 5", cfg.LLMMaxRetries)
	}
	if cfg.LLMBaseDelay != 250*time.Millisecond {
		t.Errorf("LLMBaseDelay = %v, want 250ms", cfg.LLMBaseDelay)
	}
	if cfg.ReconnectMaxRetries != 2 {
		t.Errorf("ReconnectMaxRetries = %d, want 2", cfg.ReconnectMaxRetries)
	}
}
