package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	cfg.Env = "development"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web-ide-bridge.json")
	if err := os.WriteFile(path, []byte(`{"server":{"port":9090},"debug":true}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, used, err := Load(path, "development")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if used != path {
		t.Fatalf("expected Load to report the path used, got %q", used)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected server.port=9090 from file, got %d", cfg.Server.Port)
	}
	if !cfg.Debug {
		t.Fatal("expected debug=true from file")
	}
	if cfg.Server.Host != Default().Server.Host {
		t.Fatal("expected server.host to remain at its default when the file did not set it")
	}
}

func TestLoadMissingFileInProductionAborts(t *testing.T) {
	t.Setenv("WEB_IDE_BRIDGE_CONFIG", filepath.Join(t.TempDir(), "does-not-exist.json"))
	_, _, err := Load("", "production")
	if err == nil {
		t.Fatal("expected an error when no config file is found in production")
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web-ide-bridge.json")
	if err := os.WriteFile(path, []byte(`{"server":{"port":9090}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WEB_IDE_BRIDGE_PORT", "7000")

	cfg, _, err := Load(path, "development")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7000 {
		t.Fatalf("expected env override to win, got %d", cfg.Server.Port)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestValidateRejectsPlaceholderSecretInProduction(t *testing.T) {
	cfg := Default()
	cfg.Env = "production"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for placeholder secret in production")
	}
}

func TestValidateRejectsPathWithoutLeadingSlash(t *testing.T) {
	cfg := Default()
	cfg.Server.WebsocketEndpoint = "web-ide-bridge/ws"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for a path missing its leading slash")
	}
}
