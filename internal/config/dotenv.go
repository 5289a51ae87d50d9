package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// dotEnvKeys is the configuration surface this service reads. A .env file is
// development convenience only, so lines naming anything else are skipped
// rather than injected into the process environment.
var dotEnvKeys = map[string]struct{}{
	"ENV":                 {},
	"LISTEN_ADDR":         {},
	"PUBLIC_BASE_URL":     {},
	"LOG_LEVEL":           {},
	"DATABASE_URL":        {},
	"DB_HOST":             {},
	"DB_PORT":             {},
	"DB_NAME":             {},
	"DB_USER":             {},
	"DB_PASSWORD":         {},
	"DB_SSLMODE":          {},
	"DB_SSLROOTCERT":      {},
	"BLOB_DIR":            {},
	"BLOB_PRESIGN_SECRET": {},
	"BLOB_PRESIGN_TTL":    {},
	"SWEEP_INTERVAL":      {},
	"UPLOAD_MAX_BYTES":    {},
	"TEST_DATABASE_URL":   {},
}

// LoadDotEnvIfPresent reads key=value pairs from path into the process
// environment. A missing file is not an error. Variables already present in
// the environment win over the file, and keys outside the documented
// configuration surface are ignored.
func LoadDotEnvIfPresent(path string) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	for key, val := range parseDotEnv(string(raw)) {
		if _, taken := os.LookupEnv(key); taken {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("setenv %s: %w", key, err)
		}
	}
	return nil
}

// parseDotEnv extracts the recognized assignments from a .env body. Blank
// lines and # comments are skipped; values may be wrapped in matching single
// or double quotes with no escape processing.
func parseDotEnv(body string) map[string]string {
	vars := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if _, known := dotEnvKeys[key]; !known {
			continue
		}
		vars[key] = unquote(strings.TrimSpace(val))
	}
	return vars
}

func unquote(v string) string {
	if len(v) < 2 {
		return v
	}
	if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
		return v[1 : len(v)-1]
	}
	return v
}
