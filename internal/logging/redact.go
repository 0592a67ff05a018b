package logging

import (
	"regexp"
	"strings"
)

// Sensitive field names that should be redacted.
var sensitiveFields = []string{
	"password",
	"passphrase",
	"secret",
	"token",
	"api_key",
	"apikey",
	"api-key",
	"authorization",
	"credential",
	"private_key",
	"privatekey",
	"access_key",
	"accesskey",
}

// Patterns for secrets that should be redacted.
var secretPatterns = []*regexp.Regexp{
	// PEM private key blocks pasted into heredocs
	regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),

	regexp.MustCompile(`(?i)(ghp_[a-zA-Z0-9]{36})`),                     // GitHub PAT
	regexp.MustCompile(`(?i)(github_pat_[a-zA-Z0-9]{22}_[a-zA-Z0-9]+)`), // GitHub fine-grained PAT

	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+([a-zA-Z0-9._-]{20,})`),

	// Generic long strings that look like secrets
	regexp.MustCompile(`(?i)(key|token|secret|password|auth)[=:]["']?([a-zA-Z0-9+/=_-]{32,})["']?`),
}

// envAssignment matches a leading NAME=value shell assignment.
var envAssignment = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)

// RedactedValue is the replacement for sensitive values.
const RedactedValue = "[REDACTED]"

// Redact replaces sensitive information in a string.
func Redact(s string) string {
	result := s
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, RedactedValue)
	}
	return result
}

// RedactCommand redacts a shell command line before it is logged. Inline
// assignments to sensitive variables (TOKEN=... make) lose their value.
func RedactCommand(cmd string) string {
	fields := strings.Fields(cmd)
	changed := false
	for i, f := range fields {
		m := envAssignment.FindStringSubmatch(f)
		if m == nil || !IsSensitiveField(m[1]) {
			continue
		}
		fields[i] = m[1] + "=" + RedactedValue
		changed = true
	}
	if changed {
		cmd = strings.Join(fields, " ")
	}
	return Redact(cmd)
}

// IsSensitiveField checks if a field name is considered sensitive.
func IsSensitiveField(name string) bool {
	lowerName := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lowerName, field) {
			return true
		}
	}
	return false
}
