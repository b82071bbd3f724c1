// Package safety holds the built-in command safety rules: a registry of
// per-program subcommand and option restrictions, and a fixed table of
// unconditionally dangerous patterns. Neither is user-configurable.
package safety

import (
	"fmt"
	"strings"

	"cmdguard/internal/command"
)

// Verdict classifies a registry check.
type Verdict int

const (
	// VerdictUnknown means the registry has no opinion; other layers decide.
	VerdictUnknown Verdict = iota
	// VerdictAllow means the command is known read-only/safe.
	VerdictAllow
	// VerdictDeny means a built-in rule forbids the command.
	VerdictDeny
)

// Decision is a verdict with a human-readable reason for denials.
type Decision struct {
	Verdict Verdict
	Reason  string
}

func allow() Decision   { return Decision{Verdict: VerdictAllow} }
func unknown() Decision { return Decision{Verdict: VerdictUnknown} }

func deny(format string, a ...any) Decision {
	return Decision{Verdict: VerdictDeny, Reason: fmt.Sprintf(format, a...)}
}

// Rule restricts a single program. A nil AllowedSubcommands means the
// program has no subcommand restriction from this rule.
type Rule struct {
	AllowedSubcommands []string
	ForbiddenOptions   []string
	check              func(command.Invocation) Decision
}

// Registry maps program names to their built-in rules.
type Registry struct {
	rules map[string]Rule
}

// NewRegistry builds the registry with the default rule table.
func NewRegistry() *Registry {
	return &Registry{rules: defaultRules()}
}

// Check looks up the invocation's program. A program without an entry is
// Unknown, never an implicit allow.
func (r *Registry) Check(inv command.Invocation) Decision {
	if len(inv) == 0 {
		return unknown()
	}

	name := inv.Program()
	rule, ok := r.rules[name]
	if !ok {
		return unknown()
	}

	if rule.check != nil {
		if d := rule.check(inv); d.Verdict != VerdictUnknown {
			return d
		}
	}

	if rule.AllowedSubcommands != nil {
		if len(inv) < 2 {
			return deny("%s requires a subcommand", name)
		}
		sub := inv[1]
		found := false
		for _, s := range rule.AllowedSubcommands {
			if s == sub {
				found = true
				break
			}
		}
		if !found {
			return deny("subcommand %q is not in the safe list for %s", sub, name)
		}
	}

	for _, opt := range rule.ForbiddenOptions {
		for _, arg := range inv.Args() {
			if arg == opt || strings.HasPrefix(arg, opt+"=") {
				return deny("option %s is not allowed for %s", opt, name)
			}
		}
	}

	return allow()
}

func defaultRules() map[string]Rule {
	rules := map[string]Rule{
		"git": {
			AllowedSubcommands: []string{"status", "log", "diff", "show"},
			check:              checkGit,
		},
		"cargo": {check: checkCargo},
		"find": {
			ForbiddenOptions: []string{
				"-exec", "-execdir", "-ok", "-okdir",
				"-delete",
				"-fls", "-fprint", "-fprint0", "-fprintf",
			},
		},
		"rg": {
			ForbiddenOptions: []string{"--pre", "--hostname-bin", "--search-zip", "-z"},
		},
		"base64": {check: checkBase64},
		"sed":    {check: checkSed},
	}

	// Unconditionally safe read-only tools.
	for _, cmd := range []string{
		"cat", "cd", "cut", "echo", "expr", "false", "grep", "head", "id",
		"ls", "nl", "numfmt", "paste", "pwd", "rev", "seq", "sort", "stat",
		"tac", "tail", "tr", "true", "uname", "uniq", "wc", "which", "whoami",
	} {
		rules[cmd] = Rule{}
	}

	return rules
}

// checkGit allows the read-only subcommands and read-only branch listing,
// skipping git global options. Config overrides like `-c core.pager=...`
// can make git execute external commands, so they deny outright.
func checkGit(inv command.Invocation) Decision {
	for _, arg := range inv.Args() {
		if arg == "-c" || arg == "--config-env" ||
			strings.HasPrefix(arg, "--config-env=") ||
			(strings.HasPrefix(arg, "-c") && len(arg) > 2) {
			return deny("git config overrides are not allowed")
		}
	}

	idx, sub, found := FindGitSubcommand(inv, []string{"status", "log", "diff", "show", "branch"})
	if !found {
		return unknown()
	}
	rest := inv[idx+1:]

	switch sub {
	case "status", "log", "diff", "show":
		if !gitArgsAreReadOnly(rest) {
			return deny("git %s with output or external-command flags is not allowed", sub)
		}
		return allow()
	case "branch":
		return checkGitBranch(rest)
	}
	return unknown()
}

func gitArgsAreReadOnly(args []string) bool {
	for _, arg := range args {
		switch arg {
		case "--output", "--ext-diff", "--textconv", "--exec", "--paginate":
			return false
		}
		if strings.HasPrefix(arg, "--output=") || strings.HasPrefix(arg, "--exec=") {
			return false
		}
	}
	return true
}

func checkGitBranch(args []string) Decision {
	if len(args) == 0 {
		// Bare `git branch` lists branches.
		return allow()
	}
	for _, arg := range args {
		switch arg {
		case "--list", "-l", "--show-current", "-a", "--all", "-r", "--remotes",
			"-v", "-vv", "--verbose":
			continue
		}
		if strings.HasPrefix(arg, "--format=") || strings.HasPrefix(arg, "--sort=") ||
			strings.HasPrefix(arg, "--contains=") || strings.HasPrefix(arg, "--merged=") {
			continue
		}
		// Anything else may create, rename, or delete branches.
		return deny("git branch argument %q is not read-only", arg)
	}
	return allow()
}

// checkCargo allows the read-only/compile subcommands; `cargo fmt` only
// with --check.
func checkCargo(inv command.Invocation) Decision {
	if len(inv) < 2 {
		return unknown()
	}
	switch inv[1] {
	case "check", "build", "clippy":
		return allow()
	case "fmt":
		for _, arg := range inv[2:] {
			if arg == "--check" {
				return allow()
			}
		}
		return deny("cargo fmt without --check rewrites files")
	default:
		return deny("cargo %s is not in the safe subcommand list", inv[1])
	}
}

// checkBase64 forbids output redirection; otherwise defers to other layers.
func checkBase64(inv command.Invocation) Decision {
	for _, arg := range inv.Args() {
		if arg == "-o" || arg == "--output" ||
			strings.HasPrefix(arg, "--output=") ||
			(strings.HasPrefix(arg, "-o") && arg != "-o") {
			return deny("base64 output redirection is not allowed")
		}
	}
	return allow()
}

// checkSed only accepts the line-printing form `sed -n {N|M,N}p [file]`.
func checkSed(inv command.Invocation) Decision {
	if len(inv) < 3 || len(inv) > 4 {
		return deny("sed only allows the form: sed -n {N|M,N}p [file]")
	}
	if inv[1] != "-n" || !isValidSedNArg(inv[2]) {
		return deny("sed only allows the form: sed -n {N|M,N}p [file]")
	}
	return allow()
}

// isValidSedNArg reports whether arg matches /^(\d+,)?\d+p$/.
func isValidSedNArg(arg string) bool {
	core, ok := strings.CutSuffix(arg, "p")
	if !ok {
		return false
	}
	parts := strings.Split(core, ",")
	if len(parts) > 2 {
		return false
	}
	for _, part := range parts {
		if part == "" || !allDigits(part) {
			return false
		}
	}
	return true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
