// Package masking redacts credential-shaped values from text before it is
// persisted. The completion service runs every response log line through it
// so provider transcripts never retain secrets an agent echoed back.
package masking

import (
	"log/slog"
	"regexp"

	"github.com/ksi-project/ksi/pkg/config"
)

// MaskedValue replaces matched secrets when a pattern carries no
// replacement of its own.
const MaskedValue = "***MASKED***"

// builtinPatterns cover the credential shapes that most often leak into
// model transcripts. Custom patterns from configuration run after these.
var builtinPatterns = []config.MaskingPattern{
	{
		Name:        "api_key",
		Pattern:     `(?i)(api[_-]?key["']?\s*[=:]\s*)["']?[A-Za-z0-9_\-]{16,}["']?`,
		Replacement: "${1}" + MaskedValue,
	},
	{
		Name:        "bearer_token",
		Pattern:     `(?i)bearer\s+[A-Za-z0-9\-._~+/]{8,}=*`,
		Replacement: "Bearer " + MaskedValue,
	},
	{
		Name:        "password",
		Pattern:     `(?i)(password["']?\s*[=:]\s*)["']?[^\s"',}]+["']?`,
		Replacement: "${1}" + MaskedValue,
	},
	{
		Name:        "private_key",
		Pattern:     `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`,
		Replacement: "***MASKED_PRIVATE_KEY***",
	},
}

// compiledPattern holds a pre-compiled rule with its replacement.
type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// Service applies redaction patterns to text. Created once at startup;
// stateless aside from compiled patterns, safe for concurrent use.
type Service struct {
	enabled  bool
	patterns []*compiledPattern
}

// NewService compiles the built-in patterns plus any custom ones from
// configuration. Invalid patterns are logged and skipped. A nil cfg
// enables the built-ins.
func NewService(cfg *config.MaskingConfig) *Service {
	s := &Service{enabled: cfg == nil || !cfg.Disabled}
	if !s.enabled {
		return s
	}

	rules := builtinPatterns
	if cfg != nil {
		rules = append(rules[:len(rules):len(rules)], cfg.Patterns...)
	}
	for _, rule := range rules {
		compiled, err := regexp.Compile(rule.Pattern)
		if err != nil {
			slog.Error("Failed to compile masking pattern, skipping",
				"pattern", rule.Name, "error", err)
			continue
		}
		replacement := rule.Replacement
		if replacement == "" {
			replacement = MaskedValue
		}
		s.patterns = append(s.patterns, &compiledPattern{
			name:        rule.Name,
			regex:       compiled,
			replacement: replacement,
		})
	}

	slog.Info("Masking service initialized", "patterns", len(s.patterns))
	return s
}

// Mask returns text with every pattern match replaced.
func (s *Service) Mask(text string) string {
	if !s.enabled || text == "" {
		return text
	}
	for _, p := range s.patterns {
		text = p.regex.ReplaceAllString(text, p.replacement)
	}
	return text
}

// Enabled reports whether masking is active.
func (s *Service) Enabled() bool {
	return s.enabled
}
