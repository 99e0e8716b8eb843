package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Connection != "sim" {
		t.Errorf("Connection = %q, want sim", cfg.Connection)
	}
	if cfg.SourceAddress != 0xF9 || cfg.DestinationAddress != 0xFF {
		t.Errorf("addresses = %02X/%02X", cfg.SourceAddress, cfg.DestinationAddress)
	}
	if cfg.Timeout() != 2*time.Second {
		t.Errorf("Timeout = %v", cfg.Timeout())
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "connection: slcan:/dev/ttyUSB0:250\nsource_address: 0x80\ntimeout_ms: 500\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Connection != "slcan:/dev/ttyUSB0:250" {
		t.Errorf("Connection = %q", cfg.Connection)
	}
	if cfg.SourceAddress != 0x80 {
		t.Errorf("SourceAddress = %02X, want 80", cfg.SourceAddress)
	}
	if cfg.Timeout() != 500*time.Millisecond {
		t.Errorf("Timeout = %v", cfg.Timeout())
	}
	// Unset keys keep their defaults.
	if cfg.DestinationAddress != 0xFF {
		t.Errorf("DestinationAddress = %02X, want FF", cfg.DestinationAddress)
	}
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("connection: [unclosed"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("bad yaml should fail")
	}
}
