package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Speech.Mode != "mock" {
		t.Fatalf("expected default speech mode mock, got %q", cfg.Speech.Mode)
	}
	if cfg.Generation.MaxConcurrent != 1 {
		t.Fatalf("expected default max_concurrent 1, got %d", cfg.Generation.MaxConcurrent)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LECTERN_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LECTERN_BUS_EMBEDDED", "false")
	t.Setenv("LECTERN_LIBRARY_PATH", "./tmp.db")
	t.Setenv("LECTERN_SPEECH_MODE", "exec")
	t.Setenv("LECTERN_SPEECH_COMMAND", "python3 bridge.py")
	t.Setenv("LECTERN_SPEECH_EXAGGERATION", "0.6")
	t.Setenv("LECTERN_SPEECH_REQUEST_TIMEOUT_MS", "9000")
	t.Setenv("LECTERN_VISION_ENABLED", "true")
	t.Setenv("LECTERN_VISION_MODE", "exec")
	t.Setenv("LECTERN_VISION_COMMAND", "python3 vision.py")
	t.Setenv("LECTERN_GENERATION_MAX_CONCURRENT", "2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Embedded {
		t.Fatal("expected embedded override false")
	}
	if cfg.Library.Path != "./tmp.db" {
		t.Fatalf("expected library path override, got %q", cfg.Library.Path)
	}
	if cfg.Speech.Mode != "exec" || cfg.Speech.Command != "python3 bridge.py" {
		t.Fatalf("expected speech overrides, got %q %q", cfg.Speech.Mode, cfg.Speech.Command)
	}
	if cfg.Speech.Exaggeration != 0.6 {
		t.Fatalf("expected exaggeration override, got %v", cfg.Speech.Exaggeration)
	}
	if cfg.Speech.RequestTimeoutMS != 9000 {
		t.Fatalf("expected request timeout override, got %d", cfg.Speech.RequestTimeoutMS)
	}
	if !cfg.Vision.Enabled || cfg.Vision.Mode != "exec" {
		t.Fatal("expected vision overrides")
	}
	if cfg.Generation.MaxConcurrent != 2 {
		t.Fatalf("expected max_concurrent override, got %d", cfg.Generation.MaxConcurrent)
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("LECTERN_SPEECH_MODE", "exec")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error for exec mode without command")
	}
}
