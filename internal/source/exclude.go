package source

import (
	"fmt"
	"regexp"
	"strings"
)

// Exclusion rule operators.
const (
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpEquals      = "equals"
	OpPrefix      = "prefix"
	OpSuffix      = "suffix"
	OpMatches     = "matches"
)

// Exclusion rule subjects besides listing field names.
const (
	SubjectURL  = "url"
	SubjectHTML = "html"
)

// ExcludeRule drops a listing item when its subject satisfies the operator.
// Field is "url", "html" (the container's outer HTML), or a listing field
// name.
type ExcludeRule struct {
	Field string `yaml:"field" json:"field"`
	Op    string `yaml:"op" json:"op"`
	Value string `yaml:"value" json:"value"`
}

// Candidate is what exclusion rules are evaluated against.
type Candidate struct {
	URL    string
	HTML   string
	Fields map[string]string
}

type compiledRule struct {
	rule ExcludeRule
	re   *regexp.Regexp
}

// Excluder evaluates a compiled rule list. The zero value excludes nothing.
type Excluder struct {
	rules []compiledRule
}

// CompileExclusions prepares rules for repeated evaluation.
func CompileExclusions(rules []ExcludeRule) (*Excluder, error) {
	ex := &Excluder{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		if strings.TrimSpace(r.Field) == "" {
			return nil, fmt.Errorf("exclude[%d]: field is required", i)
		}
		cr := compiledRule{rule: r}
		switch r.Op {
		case OpContains, OpNotContains, OpEquals, OpPrefix, OpSuffix:
		case OpMatches:
			re, err := regexp.Compile(r.Value)
			if err != nil {
				return nil, fmt.Errorf("exclude[%d]: compile %q: %w", i, r.Value, err)
			}
			cr.re = re
		default:
			return nil, fmt.Errorf("exclude[%d]: unknown op %q", i, r.Op)
		}
		ex.rules = append(ex.rules, cr)
	}
	return ex, nil
}

// Excluded reports whether any rule matches c, and which one.
func (e *Excluder) Excluded(c Candidate) (bool, ExcludeRule) {
	if e == nil {
		return false, ExcludeRule{}
	}
	for _, cr := range e.rules {
		if cr.match(c) {
			return true, cr.rule
		}
	}
	return false, ExcludeRule{}
}

func (cr compiledRule) match(c Candidate) bool {
	var subject string
	switch cr.rule.Field {
	case SubjectURL:
		subject = c.URL
	case SubjectHTML:
		subject = c.HTML
	default:
		subject = c.Fields[cr.rule.Field]
	}
	switch cr.rule.Op {
	case OpContains:
		return strings.Contains(subject, cr.rule.Value)
	case OpNotContains:
		return !strings.Contains(subject, cr.rule.Value)
	case OpEquals:
		return subject == cr.rule.Value
	case OpPrefix:
		return strings.HasPrefix(subject, cr.rule.Value)
	case OpSuffix:
		return strings.HasSuffix(subject, cr.rule.Value)
	case OpMatches:
		return cr.re.MatchString(subject)
	}
	return false
}
