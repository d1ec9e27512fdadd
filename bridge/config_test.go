package bridge

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_ParsesAllOptions(t *testing.T) {
	dir := t.TempDir()
	toml := `
queue-bound = 128
event-buffer-bound = 16
stream-backlog-bound = 8
call-timeout = "250ms"
`
	if err := os.WriteFile(filepath.Join(dir, "gantry.toml"), []byte(toml), 0o644); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.QueueBound != 128 {
		t.Errorf("QueueBound = %d, want 128", cfg.QueueBound)
	}
	if cfg.EventBufferBound != 16 {
		t.Errorf("EventBufferBound = %d, want 16", cfg.EventBufferBound)
	}
	if cfg.StreamBacklogBound != 8 {
		t.Errorf("StreamBacklogBound = %d, want 8", cfg.StreamBacklogBound)
	}
	if cfg.CallTimeoutDuration() != 250*time.Millisecond {
		t.Errorf("CallTimeout = %v, want 250ms", cfg.CallTimeoutDuration())
	}
}

func TestLoadConfig_UnsetFieldsTakeDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "gantry.toml"), []byte("queue-bound = 4\n"), 0o644); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.QueueBound != 4 {
		t.Errorf("QueueBound = %d, want 4", cfg.QueueBound)
	}
	if cfg.EventBufferBound != DefaultEventBufferBound {
		t.Errorf("EventBufferBound = %d, want default %d", cfg.EventBufferBound, DefaultEventBufferBound)
	}
	if cfg.CallTimeoutDuration() != DefaultCallTimeout {
		t.Errorf("CallTimeout = %v, want default %v", cfg.CallTimeoutDuration(), DefaultCallTimeout)
	}
}

func TestLoadConfig_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("config = %+v, want defaults", cfg)
	}
}

func TestLoadConfig_ParseError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "gantry.toml"), []byte("queue-bound = [nonsense"), 0o644); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}

	if _, err := LoadConfig(dir); err == nil {
		t.Error("LoadConfig should fail on malformed TOML")
	}
}
