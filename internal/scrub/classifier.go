package scrub

import (
	"fmt"
	"regexp"
	"strings"
)

// regexPrefix marks a field pattern as a regular expression; anything else
// is matched by literal equality. Case-insensitive patterns use the usual
// (?i) flag.
const regexPrefix = "re:"

type pattern struct {
	literal string
	re      *regexp.Regexp
}

func compilePattern(s string) (pattern, error) {
	if rest, ok := strings.CutPrefix(s, regexPrefix); ok {
		re, err := regexp.Compile(rest)
		if err != nil {
			return pattern{}, fmt.Errorf("invalid field pattern %q: %w", s, err)
		}
		return pattern{re: re}, nil
	}
	return pattern{literal: s}, nil
}

func compilePatterns(specs []string) ([]pattern, error) {
	patterns := make([]pattern, 0, len(specs))
	for _, s := range specs {
		p, err := compilePattern(s)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

func (p pattern) matches(field string) bool {
	if p.re != nil {
		return p.re.MatchString(field)
	}
	return p.literal == field
}

type methodRule struct {
	method   string
	patterns []pattern
}

// Classifier decides which transformation applies to a field name. Tiers
// are evaluated in fixed priority order: redact, preserve, forced
// mappings, default mappings, pass-through. Within a tier the first
// declared rule wins, so configuration order is preserved.
type Classifier struct {
	redact   []pattern
	preserve []pattern
	force    []methodRule
	defaults []methodRule
}

// NewClassifier compiles the rule sets from cfg. Unknown method names and
// malformed patterns are construction errors.
func NewClassifier(cfg *Config) (*Classifier, error) {
	c := &Classifier{}

	var err error
	if c.redact, err = compilePatterns(cfg.Redact); err != nil {
		return nil, fmt.Errorf("redact rules: %w", err)
	}
	if c.preserve, err = compilePatterns(cfg.Preserve); err != nil {
		return nil, fmt.Errorf("preserve rules: %w", err)
	}
	if c.force, err = compileMapRules(cfg.Force); err != nil {
		return nil, fmt.Errorf("force rules: %w", err)
	}
	if c.defaults, err = compileMapRules(cfg.Defaults); err != nil {
		return nil, fmt.Errorf("default rules: %w", err)
	}

	return c, nil
}

func compileMapRules(rules []MapRule) ([]methodRule, error) {
	compiled := make([]methodRule, 0, len(rules))
	for _, r := range rules {
		if !knownMethod(r.Method) {
			return nil, fmt.Errorf("unknown remapping method: %s", r.Method)
		}
		patterns, err := compilePatterns(r.Fields)
		if err != nil {
			return nil, fmt.Errorf("method %s: %w", r.Method, err)
		}
		compiled = append(compiled, methodRule{method: r.Method, patterns: patterns})
	}
	return compiled, nil
}

func knownMethod(m string) bool {
	switch m {
	case MethodRemapID, MethodRemapLabel, MethodRemapDate, MethodRemapDatetime,
		MethodRemapDatetimeAlways, MethodRemapDatetimeToAge, MethodRedact:
		return true
	}
	return false
}

// Classify returns the transformation decision for a field name.
func (c *Classifier) Classify(field string) Decision {
	for _, p := range c.redact {
		if p.matches(field) {
			return Decision{Action: ActionRedact}
		}
	}
	for _, p := range c.preserve {
		if p.matches(field) {
			return Decision{Action: ActionPreserve}
		}
	}
	if method, ok := matchMapRules(c.force, field); ok {
		return Decision{Action: ActionApply, Method: method}
	}
	if method, ok := matchMapRules(c.defaults, field); ok {
		return Decision{Action: ActionApply, Method: method}
	}
	return Decision{Action: ActionPassThrough}
}

func matchMapRules(rules []methodRule, field string) (string, bool) {
	for _, r := range rules {
		for _, p := range r.patterns {
			if p.matches(field) {
				return r.method, true
			}
		}
	}
	return "", false
}
