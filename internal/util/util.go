// Package util provides small helpers shared across the server: log-level
// wiring, path normalization, and request-log redaction.
package util

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/quotio/cliproxy/internal/config"
	log "github.com/sirupsen/logrus"
)

// sensitiveQueryKeys lists query parameter names whose values are credentials
// and must never reach log output in full.
var sensitiveQueryKeys = map[string]bool{
	"key":           true,
	"api_key":       true,
	"apikey":        true,
	"access_token":  true,
	"token":         true,
	"secret":        true,
	"authorization": true,
}

// MaskSensitiveQuery redacts the values of known credential-bearing query
// parameters (e.g. Gemini's "?key=") so request logs never leak secrets.
// Unparseable or empty input is returned unchanged.
func MaskSensitiveQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	masked := false
	for key, vals := range values {
		if !sensitiveQueryKeys[strings.ToLower(key)] {
			continue
		}
		for i := range vals {
			vals[i] = "***"
		}
		values[key] = vals
		masked = true
	}
	if !masked {
		return rawQuery
	}
	return values.Encode()
}

// SetLogLevel configures the logrus log level based on the configuration.
func SetLogLevel(cfg *config.Config) {
	currentLevel := log.GetLevel()
	newLevel := log.InfoLevel
	if cfg.Debug {
		newLevel = log.DebugLevel
	}
	if currentLevel != newLevel {
		log.SetLevel(newLevel)
		log.Infof("log level changed from %s to %s (debug=%t)", currentLevel, newLevel, cfg.Debug)
	}
}

// ResolveAuthDir normalizes the auth directory path: a leading tilde expands
// to the user's home directory, and the result is cleaned.
func ResolveAuthDir(authDir string) (string, error) {
	if authDir == "" {
		return "", nil
	}
	if strings.HasPrefix(authDir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve auth dir: %w", err)
		}
		remainder := strings.TrimPrefix(authDir, "~")
		remainder = strings.TrimLeft(remainder, "/\\")
		if remainder == "" {
			return filepath.Clean(home), nil
		}
		normalized := strings.ReplaceAll(remainder, "\\", "/")
		return filepath.Clean(filepath.Join(home, filepath.FromSlash(normalized))), nil
	}
	return filepath.Clean(authDir), nil
}

// WritablePath returns the cleaned WRITABLE_PATH environment variable when it
// is set, accepting both case variants for compatibility.
func WritablePath() string {
	for _, key := range []string{"WRITABLE_PATH", "writable_path"} {
		if value, ok := os.LookupEnv(key); ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return filepath.Clean(trimmed)
			}
		}
	}
	return ""
}
