// Package secrets redacts credentials from text before it leaves the
// process. Executor errors and callback payloads can embed backend
// credentials (API keys, tokens, connection-string passwords); everything
// relayd POSTs to an external callback URL passes through a Scrubber so a
// third-party webhook never receives them. Findings carry rule IDs and
// positions, never the matched value.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
)

// DefaultRedaction replaces matched credentials in scrubbed output.
const DefaultRedaction = "[REDACTED]"

// Rule is one credential pattern.
type Rule struct {
	ID       string `koanf:"id"`
	Pattern  string `koanf:"pattern"`
	Severity string `koanf:"severity"`
}

// Config configures a Scrubber. The zero value disables scrubbing; use
// DefaultConfig for the built-in rule set.
type Config struct {
	Enabled   bool     `koanf:"enabled"`
	Redaction string   `koanf:"redaction"`
	Rules     []Rule   `koanf:"rules"`
	AllowList []string `koanf:"allow_list"`
}

// DefaultConfig enables scrubbing with the built-in rules.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Redaction: DefaultRedaction,
		Rules:     DefaultRules(),
	}
}

// Finding records one match. The matched text itself is deliberately absent.
type Finding struct {
	RuleID   string `json:"rule_id"`
	Severity string `json:"severity"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

// Result is the outcome of one Scrub call.
type Result struct {
	Scrubbed      string    `json:"scrubbed"`
	Findings      []Finding `json:"findings,omitempty"`
	TotalFindings int       `json:"total_findings"`
}

// HasFindings reports whether any rule matched.
func (r *Result) HasFindings() bool { return r.TotalFindings > 0 }

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// Scrubber applies the configured rules to text.
type Scrubber struct {
	enabled   bool
	redaction string
	rules     []compiledRule
	allow     []*regexp.Regexp
}

// New compiles the configuration into a Scrubber. A nil config means
// DefaultConfig.
func New(cfg *Config) (*Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Scrubber{
		enabled:   cfg.Enabled,
		redaction: cfg.Redaction,
	}
	if s.redaction == "" {
		s.redaction = DefaultRedaction
	}
	for i, rule := range cfg.Rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		s.rules = append(s.rules, compiledRule{Rule: rule, re: re})
	}
	for i, pattern := range cfg.AllowList {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("allow_list %d: %w", i, err)
		}
		s.allow = append(s.allow, re)
	}
	return s, nil
}

// MustNew is New for configurations known good at compile time.
func MustNew(cfg *Config) *Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// Scrub replaces every credential match with the redaction string.
// Overlapping matches from different rules collapse into one replacement.
func (s *Scrubber) Scrub(content string) *Result {
	result := &Result{Scrubbed: content}
	if !s.enabled {
		return result
	}

	for _, rule := range s.rules {
		for _, m := range rule.re.FindAllStringIndex(content, -1) {
			if s.allowed(content[m[0]:m[1]]) {
				continue
			}
			result.Findings = append(result.Findings, Finding{
				RuleID:   rule.ID,
				Severity: rule.Severity,
				Start:    m[0],
				End:      m[1],
			})
		}
	}
	result.TotalFindings = len(result.Findings)
	if result.TotalFindings == 0 {
		return result
	}

	result.Scrubbed = s.redact(content, result.Findings)
	return result
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// redact rebuilds content with every finding span replaced. Spans are
// merged first so overlapping rules produce a single redaction marker.
func (s *Scrubber) redact(content string, findings []Finding) string {
	spans := make([][2]int, 0, len(findings))
	for _, f := range findings {
		spans = append(spans, [2]int{f.Start, f.End})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })

	merged := [][2]int{spans[0]}
	for _, span := range spans[1:] {
		last := &merged[len(merged)-1]
		if span[0] <= last[1] {
			if span[1] > last[1] {
				last[1] = span[1]
			}
			continue
		}
		merged = append(merged, span)
	}

	var out []byte
	prev := 0
	for _, span := range merged {
		out = append(out, content[prev:span[0]]...)
		out = append(out, s.redaction...)
		prev = span[1]
	}
	out = append(out, content[prev:]...)
	return string(out)
}
