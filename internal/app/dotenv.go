package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// loadDotenv layers KEY=VALUE pairs from a local env file into the process
// environment. It exists for `vitalq run --dotenv ./.env` in development;
// variables already set to a non-empty value always win, so a checked-in
// file can never override a real deployment environment.
func loadDotenv(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	for i, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// The same file should keep working with `source .env`.
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, rawVal, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("%s:%d: not a KEY=VALUE entry", path, i+1)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return fmt.Errorf("%s:%d: empty key", path, i+1)
		}
		val, err := dotenvValue(path, i+1, rawVal)
		if err != nil {
			return err
		}

		if os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("%s:%d: %w", path, i+1, err)
		}
	}
	return nil
}

// dotenvValue strips surrounding quotes. Double quotes decode escapes the
// way a shell would; single quotes are literal.
func dotenvValue(path string, lineNo int, val string) (string, error) {
	val = strings.TrimSpace(val)
	if len(val) < 2 {
		return val, nil
	}
	switch {
	case val[0] == '"' && val[len(val)-1] == '"':
		u, err := strconv.Unquote(val)
		if err != nil {
			return "", fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		return u, nil
	case val[0] == '\'' && val[len(val)-1] == '\'':
		return val[1 : len(val)-1], nil
	}
	return val, nil
}
