package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.starlark.net/starlark"

	"cmdguard/internal/command"
)

// PatternToken matches one invocation token against a set of alternatives.
// A single-string token is a one-element alternative set.
type PatternToken struct {
	Alts []string
}

func (t PatternToken) matches(tok string) bool {
	for _, alt := range t.Alts {
		if alt == tok {
			return true
		}
	}
	return false
}

// PrefixRule matches invocations whose leading tokens satisfy the pattern.
// Decision is OutcomeAllow or OutcomeDeny.
type PrefixRule struct {
	Pattern       []PatternToken
	Decision      Outcome
	Justification string
}

// Matches reports whether inv starts with the rule's pattern. The
// invocation may carry additional trailing tokens.
func (r PrefixRule) Matches(inv command.Invocation) bool {
	if len(inv) < len(r.Pattern) {
		return false
	}
	for i, tok := range r.Pattern {
		if !tok.matches(inv[i]) {
			return false
		}
	}
	return true
}

func (r PrefixRule) describe() []string {
	parts := make([]string, len(r.Pattern))
	for i, tok := range r.Pattern {
		if len(tok.Alts) == 1 {
			parts[i] = tok.Alts[0]
		} else {
			parts[i] = fmt.Sprintf("%v", tok.Alts)
		}
	}
	return parts
}

// ParseRules executes a Starlark rules file. The file may call the
// prefix_rule() builtin:
//
//	prefix_rule(
//	    pattern = ["git", ["status", "log"]],
//	    decision = "allow",
//	    justification = "read-only git subcommands",
//	)
//
// Each pattern element is a token string or a list of alternatives.
// The default decision is "allow".
func ParseRules(filename, source string) ([]PrefixRule, error) {
	var rules []PrefixRule

	prefixRule := starlark.NewBuiltin("prefix_rule", func(
		thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
	) (starlark.Value, error) {
		var (
			patternVal    *starlark.List
			decisionStr   string
			justification string
		)
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
			"pattern", &patternVal,
			"decision?", &decisionStr,
			"justification?", &justification,
		); err != nil {
			return nil, err
		}

		decision, err := parseRuleDecision(decisionStr)
		if err != nil {
			return nil, err
		}

		pattern, err := parsePattern(patternVal)
		if err != nil {
			return nil, err
		}
		if len(pattern) == 0 {
			return nil, fmt.Errorf("prefix_rule pattern must not be empty")
		}

		rules = append(rules, PrefixRule{
			Pattern:       pattern,
			Decision:      decision,
			Justification: justification,
		})
		return starlark.None, nil
	})

	predeclared := starlark.StringDict{
		"prefix_rule": prefixRule,
	}
	thread := &starlark.Thread{Name: filename}

	if _, err := starlark.ExecFile(thread, filename, source, predeclared); err != nil {
		return nil, fmt.Errorf("rules file %s: %w", filename, err)
	}
	return rules, nil
}

func parseRuleDecision(s string) (Outcome, error) {
	switch s {
	case "", "allow":
		return OutcomeAllow, nil
	case "deny":
		return OutcomeDeny, nil
	default:
		return OutcomeNone, fmt.Errorf("unknown decision %q (want \"allow\" or \"deny\")", s)
	}
}

func parsePattern(list *starlark.List) ([]PatternToken, error) {
	pattern := make([]PatternToken, 0, list.Len())

	iter := list.Iterate()
	defer iter.Done()
	var val starlark.Value
	for iter.Next(&val) {
		switch v := val.(type) {
		case starlark.String:
			if v == "" {
				return nil, fmt.Errorf("pattern token must not be empty")
			}
			pattern = append(pattern, PatternToken{Alts: []string{string(v)}})
		case *starlark.List:
			alts, err := stringsFromList(v)
			if err != nil {
				return nil, err
			}
			if len(alts) == 0 {
				return nil, fmt.Errorf("alternative list must not be empty")
			}
			pattern = append(pattern, PatternToken{Alts: alts})
		default:
			return nil, fmt.Errorf("pattern element must be a string or list of strings, got %s", val.Type())
		}
	}
	return pattern, nil
}

func stringsFromList(list *starlark.List) ([]string, error) {
	out := make([]string, 0, list.Len())
	iter := list.Iterate()
	defer iter.Done()
	var val starlark.Value
	for iter.Next(&val) {
		s, ok := val.(starlark.String)
		if !ok {
			return nil, fmt.Errorf("alternative must be a string, got %s", val.Type())
		}
		if s == "" {
			return nil, fmt.Errorf("alternative must not be empty")
		}
		out = append(out, string(s))
	}
	return out, nil
}

// LoadRulesDir parses every *.rules file in dir, in lexical order. A
// missing directory is not an error; a malformed rules file is.
func LoadRulesDir(dir string) ([]PrefixRule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rules dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".rules" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var rules []PrefixRule
	for _, name := range names {
		path := filepath.Join(dir, name)
		source, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rules file: %w", err)
		}
		parsed, err := ParseRules(path, string(source))
		if err != nil {
			return nil, err
		}
		rules = append(rules, parsed...)
	}
	return rules, nil
}
