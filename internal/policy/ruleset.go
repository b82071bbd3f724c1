// Package policy evaluates invocations against configured allow/deny
// patterns. Deny always wins: the deny collections are checked to
// exhaustion before any allow pattern is consulted.
package policy

import (
	"fmt"
	"regexp"
	"strings"

	"cmdguard/internal/command"
)

// Outcome is the result of a rule-set evaluation.
type Outcome int

const (
	// OutcomeNone means no pattern matched; the caller applies its default.
	OutcomeNone Outcome = iota
	OutcomeAllow
	OutcomeDeny
)

// Match carries an outcome and the pattern that produced it.
type Match struct {
	Outcome Outcome
	Reason  string
}

// Lists holds the raw configured patterns, as loaded from configuration.
type Lists struct {
	AllowList  []string
	DenyList   []string
	AllowGlob  []string
	DenyGlob   []string
	AllowRegex []string
	DenyRegex  []string
}

// RuleSet is an immutable compiled rule collection. Build a new one and
// swap the reference to reconfigure; never mutate in place.
type RuleSet struct {
	allowPrefix []string
	denyPrefix  []string
	allowGlob   []string
	denyGlob    []string
	allowRegex  []*regexp.Regexp
	denyRegex   []*regexp.Regexp
	prefixRules []PrefixRule
}

// Compile validates and compiles the configured lists plus any rules-file
// prefix rules. Malformed patterns fail here, at load time, never during
// evaluation.
func Compile(lists Lists, rules []PrefixRule) (*RuleSet, error) {
	for _, group := range []struct {
		name     string
		patterns []string
	}{
		{"allow_list", lists.AllowList},
		{"deny_list", lists.DenyList},
		{"allow_glob", lists.AllowGlob},
		{"deny_glob", lists.DenyGlob},
	} {
		for _, p := range group.patterns {
			if strings.TrimSpace(p) == "" {
				return nil, fmt.Errorf("%s: empty pattern", group.name)
			}
		}
	}

	allowRe, err := compileRegexps("allow_regex", lists.AllowRegex)
	if err != nil {
		return nil, err
	}
	denyRe, err := compileRegexps("deny_regex", lists.DenyRegex)
	if err != nil {
		return nil, err
	}

	return &RuleSet{
		allowPrefix: append([]string(nil), lists.AllowList...),
		denyPrefix:  append([]string(nil), lists.DenyList...),
		allowGlob:   append([]string(nil), lists.AllowGlob...),
		denyGlob:    append([]string(nil), lists.DenyGlob...),
		allowRegex:  allowRe,
		denyRegex:   denyRe,
		prefixRules: append([]PrefixRule(nil), rules...),
	}, nil
}

func compileRegexps(name string, patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", name, p, err)
		}
		res = append(res, re)
	}
	return res, nil
}

// Evaluate matches inv against the rule set: deny prefix, deny glob, deny
// regex, then allow prefix, allow glob, allow regex. OutcomeNone means
// nothing matched.
func (rs *RuleSet) Evaluate(inv command.Invocation) Match {
	text := inv.Text()

	if pat, ok := matchPrefix(rs.denyPrefix, text); ok {
		return Match{OutcomeDeny, fmt.Sprintf("deny list prefix %q", pat)}
	}
	if m, ok := rs.matchPrefixRules(inv, OutcomeDeny); ok {
		return m
	}
	if pat, ok := matchGlob(rs.denyGlob, text); ok {
		return Match{OutcomeDeny, fmt.Sprintf("deny glob %q", pat)}
	}
	if re, ok := matchRegex(rs.denyRegex, text); ok {
		return Match{OutcomeDeny, fmt.Sprintf("deny regex %q", re)}
	}

	if pat, ok := matchPrefix(rs.allowPrefix, text); ok {
		return Match{OutcomeAllow, fmt.Sprintf("allow list prefix %q", pat)}
	}
	if m, ok := rs.matchPrefixRules(inv, OutcomeAllow); ok {
		return m
	}
	if pat, ok := matchGlob(rs.allowGlob, text); ok {
		return Match{OutcomeAllow, fmt.Sprintf("allow glob %q", pat)}
	}
	if re, ok := matchRegex(rs.allowRegex, text); ok {
		return Match{OutcomeAllow, fmt.Sprintf("allow regex %q", re)}
	}

	return Match{Outcome: OutcomeNone}
}

func (rs *RuleSet) matchPrefixRules(inv command.Invocation, want Outcome) (Match, bool) {
	for _, rule := range rs.prefixRules {
		if rule.Decision != want || !rule.Matches(inv) {
			continue
		}
		reason := rule.Justification
		if reason == "" {
			reason = fmt.Sprintf("prefix rule %q", strings.Join(rule.describe(), " "))
		}
		return Match{want, reason}, true
	}
	return Match{}, false
}

// matchPrefix matches at a token boundary: the pattern must equal the text
// or be followed by a space, so "git" matches "git status" but not "gitk".
func matchPrefix(patterns []string, text string) (string, bool) {
	for _, p := range patterns {
		if text == p || strings.HasPrefix(text, p+" ") {
			return p, true
		}
	}
	return "", false
}

func matchGlob(patterns []string, text string) (string, bool) {
	for _, p := range patterns {
		if wildcardMatch(p, text) {
			return p, true
		}
	}
	return "", false
}

func matchRegex(patterns []*regexp.Regexp, text string) (string, bool) {
	for _, re := range patterns {
		if re.MatchString(text) {
			return re.String(), true
		}
	}
	return "", false
}

// wildcardMatch matches text against a pattern where '*' matches any run of
// characters (including none) and '?' matches exactly one. There is no
// implicit anchoring beyond whole-string matching, so "git *" requires a
// space and at least the characters after it: it does not match "git".
func wildcardMatch(pattern, text string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if pattern == "" {
				return true
			}
			for i := 0; i <= len(text); i++ {
				if wildcardMatch(pattern, text[i:]) {
					return true
				}
			}
			return false
		case '?':
			if text == "" {
				return false
			}
		default:
			if text == "" || text[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		text = text[1:]
	}
	return text == ""
}
