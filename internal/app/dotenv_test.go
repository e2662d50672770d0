package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotenv_SetsVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	data := []byte(`
# comment
VITALQ_AUTH_TOKEN=devtoken
export VITALQ_POSTGRES_DSN="postgres://dev@localhost/vitalq"
SINGLE='a b'
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("VITALQ_AUTH_TOKEN", "")
	t.Setenv("VITALQ_POSTGRES_DSN", "")
	if err := loadDotenv(path); err != nil {
		t.Fatalf("loadDotenv: %v", err)
	}

	if got := os.Getenv("VITALQ_AUTH_TOKEN"); got != "devtoken" {
		t.Fatalf("VITALQ_AUTH_TOKEN=%q, want devtoken", got)
	}
	if got := os.Getenv("VITALQ_POSTGRES_DSN"); got != "postgres://dev@localhost/vitalq" {
		t.Fatalf("VITALQ_POSTGRES_DSN=%q", got)
	}
	if got := os.Getenv("SINGLE"); got != "a b" {
		t.Fatalf("SINGLE=%q, want 'a b'", got)
	}
}

func TestLoadDotenv_DoesNotOverrideNonEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("VITALQ_AUTH_TOKEN=devtoken\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("VITALQ_AUTH_TOKEN", "prodtoken")
	if err := loadDotenv(path); err != nil {
		t.Fatalf("loadDotenv: %v", err)
	}
	if got := os.Getenv("VITALQ_AUTH_TOKEN"); got != "prodtoken" {
		t.Fatalf("VITALQ_AUTH_TOKEN=%q, want prodtoken", got)
	}
}

func TestLoadDotenv_InvalidLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("NOEQUALS\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	if err := loadDotenv(path); err == nil {
		t.Fatalf("expected error")
	}
}
