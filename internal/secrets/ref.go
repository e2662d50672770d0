// Package secrets resolves secret references so tokens never have to live
// in the config file itself.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrSecretRef = errors.New("invalid secret reference")

// ValidateRef checks a secret reference without loading its value.
//
// Supported forms:
//   - env:NAME
//   - file:/path/to/secret
//   - raw:literal-value
func ValidateRef(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("%w: empty", ErrSecretRef)
	}

	switch {
	case strings.HasPrefix(ref, "env:"):
		if strings.TrimSpace(strings.TrimPrefix(ref, "env:")) == "" {
			return fmt.Errorf("%w: env var name is empty", ErrSecretRef)
		}
		return nil
	case strings.HasPrefix(ref, "file:"):
		if strings.TrimSpace(strings.TrimPrefix(ref, "file:")) == "" {
			return fmt.Errorf("%w: file path is empty", ErrSecretRef)
		}
		return nil
	case strings.HasPrefix(ref, "raw:"):
		if strings.TrimPrefix(ref, "raw:") == "" {
			return fmt.Errorf("%w: raw value is empty", ErrSecretRef)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported scheme (use env:, file:, or raw:)", ErrSecretRef)
	}
}

// LoadRef resolves a reference to the secret bytes. env: and file: values
// are trimmed of surrounding whitespace; raw: values are taken verbatim.
func LoadRef(ref string) ([]byte, error) {
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}
	ref = strings.TrimSpace(ref)

	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimSpace(strings.TrimPrefix(ref, "env:"))
		val, ok := os.LookupEnv(name)
		if !ok || strings.TrimSpace(val) == "" {
			return nil, fmt.Errorf("%w: env var %s is not set", ErrSecretRef, name)
		}
		return []byte(strings.TrimSpace(val)), nil
	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimSpace(strings.TrimPrefix(ref, "file:"))
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read secret file: %w", err)
		}
		val := strings.TrimSpace(string(data))
		if val == "" {
			return nil, fmt.Errorf("%w: secret file %s is empty", ErrSecretRef, path)
		}
		return []byte(val), nil
	default:
		return []byte(strings.TrimPrefix(ref, "raw:")), nil
	}
}
