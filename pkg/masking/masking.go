// Package masking scrubs credential material out of alert payloads and agent
// evidence excerpts before they reach the event store or the dashboards. The
// pattern set is built-in; masking is fail-open for alerts so a bad pattern
// never drops an incident.
package masking

import (
	"encoding/json"
	"log/slog"
	"regexp"
)

// Pattern is one built-in masking rule.
type Pattern struct {
	Name        string
	Pattern     string
	Replacement string
	Description string
}

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns covers the credential shapes commonly found in monitoring
// payloads. Order of application is the order of the groups below.
func builtinPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "api_key",
			Pattern:     `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{20,})["']?`,
			Replacement: `"api_key": "__MASKED_API_KEY__"`,
			Description: "API keys",
		},
		{
			Name:        "password",
			Pattern:     `(?i)(?:password|pwd|pass)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
			Replacement: `"password": "__MASKED_PASSWORD__"`,
			Description: "Passwords",
		},
		{
			Name:        "token",
			Pattern:     `(?i)(?:token|bearer|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `"token": "__MASKED_TOKEN__"`,
			Description: "Access and bearer tokens",
		},
		{
			Name:        "certificate",
			Pattern:     `(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`,
			Replacement: `__MASKED_CERTIFICATE__`,
			Description: "PEM material",
		},
		{
			Name:        "secret_key",
			Pattern:     `(?i)(?:secret[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `"secret_key": "__MASKED_SECRET_KEY__"`,
			Description: "Secret keys",
		},
		{
			Name:        "aws_access_key",
			Pattern:     `AKIA[A-Z0-9]{16}`,
			Replacement: `__MASKED_AWS_KEY__`,
			Description: "AWS access key ids",
		},
		{
			Name:        "email",
			Pattern:     `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9]+(?:[.-][A-Za-z0-9]+)*\.[A-Za-z]{2,63}\b`,
			Replacement: `__MASKED_EMAIL__`,
			Description: "Email addresses",
		},
	}
}

// patternGroups names subsets of the built-in patterns.
func patternGroups() map[string][]string {
	return map[string][]string{
		"basic":    {"api_key", "password"},
		"secrets":  {"api_key", "password", "token", "secret_key"},
		"security": {"api_key", "password", "token", "certificate", "secret_key", "aws_access_key"},
		"all":      {"api_key", "password", "token", "certificate", "secret_key", "aws_access_key", "email"},
	}
}

// Config controls alert payload masking.
type Config struct {
	Enabled      bool
	PatternGroup string
}

// Masker applies a resolved pattern group. Created once at startup;
// thread-safe and stateless aside from compiled patterns.
type Masker struct {
	enabled  bool
	patterns []*CompiledPattern
	logger   *slog.Logger
}

// NewMasker compiles the configured pattern group. Invalid patterns are
// logged and skipped; an unknown group yields a disabled masker.
func NewMasker(cfg Config, logger *slog.Logger) *Masker {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Masker{enabled: cfg.Enabled, logger: logger}
	if !cfg.Enabled {
		return m
	}

	group, ok := patternGroups()[cfg.PatternGroup]
	if !ok {
		logger.Warn("Unknown masking pattern group, masking disabled",
			"pattern_group", cfg.PatternGroup)
		m.enabled = false
		return m
	}

	byName := make(map[string]Pattern)
	for _, p := range builtinPatterns() {
		byName[p.Name] = p
	}
	for _, name := range group {
		p, ok := byName[name]
		if !ok {
			continue
		}
		compiled, err := regexp.Compile(p.Pattern)
		if err != nil {
			logger.Error("Failed to compile masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		m.patterns = append(m.patterns, &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: p.Replacement,
		})
	}

	logger.Info("Masker initialized",
		"pattern_group", cfg.PatternGroup,
		"compiled_patterns", len(m.patterns))
	return m
}

// MaskString applies every pattern to s.
func (m *Masker) MaskString(s string) string {
	if !m.enabled || s == "" {
		return s
	}
	for _, p := range m.patterns {
		s = p.Regex.ReplaceAllString(s, p.Replacement)
	}
	return s
}

// MaskPayload scrubs an opaque alert payload. The result may no longer be
// valid JSON when a masked value spanned structure; callers treat payloads
// as bytes, so that is acceptable (fail-open: a payload is never dropped).
func (m *Masker) MaskPayload(payload json.RawMessage) json.RawMessage {
	if !m.enabled || len(payload) == 0 {
		return payload
	}
	return json.RawMessage(m.MaskString(string(payload)))
}
