package config

import (
	"testing"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", "")
	t.Setenv("CEREBRAS_MODEL_ID", "")
	t.Setenv("SUPABASE_BUCKET", "")
	cfg := Load()
	if cfg.HTTPAddress != ":8080" {
		t.Fatalf("expected default http address, got %q", cfg.HTTPAddress)
	}
	if cfg.CerebrasModelID == "" {
		t.Fatalf("expected default cerebras model id")
	}
	if cfg.SupabaseBucket != "call-artifacts" {
		t.Fatalf("expected default bucket, got %q", cfg.SupabaseBucket)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDRESS", ":9999")
	t.Setenv("LEXICON_PATH", "/etc/turngate/lexicon.json")
	t.Setenv("DEEPGRAM_MODEL_ID", "aura-2-thalia-en")
	cfg := Load()
	if cfg.HTTPAddress != ":9999" {
		t.Fatalf("expected overridden address, got %q", cfg.HTTPAddress)
	}
	if cfg.LexiconPath != "/etc/turngate/lexicon.json" {
		t.Fatalf("expected lexicon path override, got %q", cfg.LexiconPath)
	}
	if cfg.DeepgramModelID != "aura-2-thalia-en" {
		t.Fatalf("expected deepgram model override, got %q", cfg.DeepgramModelID)
	}
}
