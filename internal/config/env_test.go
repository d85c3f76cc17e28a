package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvSetsVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	body := "# comment\nTELEGRAM_TOKEN=abc123\nexport HISTORY_DSN='postgres://localhost/bot'\nEMPTY\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("TELEGRAM_TOKEN", "")
	os.Unsetenv("TELEGRAM_TOKEN")
	t.Setenv("HISTORY_DSN", "")
	os.Unsetenv("HISTORY_DSN")

	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("TELEGRAM_TOKEN"); got != "abc123" {
		t.Fatalf("TELEGRAM_TOKEN = %q", got)
	}
	if got := os.Getenv("HISTORY_DSN"); got != "postgres://localhost/bot" {
		t.Fatalf("HISTORY_DSN = %q", got)
	}
}

func TestLoadEnvDoesNotOverrideExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("TELEGRAM_TOKEN=fromfile\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("TELEGRAM_TOKEN", "fromenv")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("TELEGRAM_TOKEN"); got != "fromenv" {
		t.Fatalf("TELEGRAM_TOKEN = %q", got)
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
}
