package secrets

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRef_Env(t *testing.T) {
	t.Setenv("VITALQ_TEST_SECRET", "top-secret")

	got, err := LoadRef("env:VITALQ_TEST_SECRET")
	if err != nil {
		t.Fatalf("LoadRef(env): %v", err)
	}
	if string(got) != "top-secret" {
		t.Fatalf("unexpected env secret: %q", string(got))
	}
}

func TestLoadRef_EnvUnset(t *testing.T) {
	t.Setenv("VITALQ_TEST_SECRET", "")
	if _, err := LoadRef("env:VITALQ_TEST_SECRET"); err == nil {
		t.Fatalf("expected error for unset env var")
	}
}

func TestLoadRef_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.txt")
	if err := os.WriteFile(path, []byte("  file-secret \n"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	got, err := LoadRef("file:" + path)
	if err != nil {
		t.Fatalf("LoadRef(file): %v", err)
	}
	if string(got) != "file-secret" {
		t.Fatalf("unexpected file secret: %q", string(got))
	}
}

func TestLoadRef_Raw(t *testing.T) {
	got, err := LoadRef("raw:literal")
	if err != nil {
		t.Fatalf("LoadRef(raw): %v", err)
	}
	if string(got) != "literal" {
		t.Fatalf("unexpected raw secret: %q", string(got))
	}
}

func TestValidateRef(t *testing.T) {
	for _, ref := range []string{"env:NAME", "file:/run/secret", "raw:x"} {
		if err := ValidateRef(ref); err != nil {
			t.Fatalf("ValidateRef(%q): %v", ref, err)
		}
	}
	for _, ref := range []string{"", "env:", "file:", "raw:", "vault:secret/x", "NAME"} {
		if err := ValidateRef(ref); err == nil {
			t.Fatalf("ValidateRef(%q): expected error", ref)
		}
	}
}
