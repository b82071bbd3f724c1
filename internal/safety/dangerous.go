package safety

import (
	"fmt"
	"strings"

	"cmdguard/internal/command"
	"cmdguard/internal/shell"
)

// Dangerous reports whether inv matches a fixed pattern that denies the
// command regardless of any configured allow rule. The second return is
// true when a pattern matched; the first names it.
func Dangerous(inv command.Invocation) (string, bool) {
	return dangerousAtDepth(inv, 0)
}

func dangerousAtDepth(inv command.Invocation, depth int) (string, bool) {
	if len(inv) == 0 || depth > shell.MaxDepth {
		return "", false
	}

	if isForkBomb(inv) {
		return "fork bomb", true
	}

	switch inv.Program() {
	case "git":
		return dangerousGit(inv)
	case "rm":
		return dangerousRm(inv)
	case "dd":
		return "dd writes raw devices", true
	case "shutdown", "reboot", "halt", "poweroff", "init":
		return fmt.Sprintf("%s alters system run state", inv.Program()), true
	case "sudo", "doas":
		// Privilege escalation is only dangerous for what it wraps;
		// bare sudo is handled by the configured rules.
		if len(inv) > 1 {
			if reason, ok := dangerousAtDepth(inv[1:], depth+1); ok {
				return fmt.Sprintf("%s: %s", inv.Program(), reason), true
			}
		}
		return "", false
	}

	if strings.HasPrefix(inv.Program(), "mkfs") {
		return "mkfs formats filesystems", true
	}

	// Wrapped scripts are checked sub-command by sub-command so a wrapper
	// cannot smuggle a dangerous pattern past the outer check.
	if subs, wrapper := shell.Decompose(inv); wrapper {
		for _, sub := range subs {
			if reason, ok := dangerousAtDepth(sub, depth+1); ok {
				return reason, true
			}
		}
	}

	return "", false
}

func dangerousGit(inv command.Invocation) (string, bool) {
	idx, sub, found := FindGitSubcommand(inv, []string{"reset", "rm", "branch", "push", "clean"})
	if !found {
		return "", false
	}
	rest := inv[idx+1:]

	switch sub {
	case "reset":
		return "git reset discards history", true
	case "rm":
		return "git rm removes tracked files", true
	case "branch":
		if hasShortOrLongFlag(rest, 'd', "--delete") || hasShortOrLongFlag(rest, 'D', "") {
			return "git branch -d/-D deletes branches", true
		}
	case "push":
		if hasShortOrLongFlag(rest, 'f', "--force") ||
			containsArg(rest, "--force-with-lease") ||
			containsArg(rest, "--force-if-includes") ||
			hasArgPrefix(rest, "--force-with-lease=") {
			return "git push --force rewrites remote history", true
		}
		if hasShortOrLongFlag(rest, 'd', "--delete") || hasArgPrefix(rest, "--delete=") {
			return "git push --delete removes remote refs", true
		}
		for _, arg := range rest {
			if strings.HasPrefix(arg, "+") || (!strings.HasPrefix(arg, "-") && strings.Contains(arg, ":")) {
				return "git push refspec can force-update or delete remote refs", true
			}
		}
	case "clean":
		if hasShortOrLongFlag(rest, 'f', "--force") {
			return "git clean -f deletes untracked files", true
		}
	}
	return "", false
}

func dangerousRm(inv command.Invocation) (string, bool) {
	for _, arg := range inv.Args() {
		if arg == "--force" || arg == "--recursive" {
			return "rm with force/recursive flags", true
		}
		if isStackedShortFlags(arg) && strings.ContainsAny(arg, "rRf") {
			return "rm with force/recursive flags", true
		}
	}
	return "", false
}

// isForkBomb matches the classic `:(){ :|:& };:` in any spacing.
func isForkBomb(inv command.Invocation) bool {
	compact := strings.ReplaceAll(strings.Join(inv, ""), " ", "")
	return strings.Contains(compact, ":(){:|:&};:")
}

// gitValueOptions are global git options that consume the following token.
var gitValueOptions = map[string]bool{
	"-C": true, "-c": true,
	"--git-dir": true, "--work-tree": true, "--namespace": true, "--exec-path": true,
}

// FindGitSubcommand locates the first token that is one of subcommands,
// skipping git's global options and their values. It returns the token's
// index within inv.
func FindGitSubcommand(inv command.Invocation, subcommands []string) (int, string, bool) {
	i := 1
	for i < len(inv) {
		arg := inv[i]
		for _, sub := range subcommands {
			if arg == sub {
				return i, sub, true
			}
		}
		if gitValueOptions[arg] {
			i += 2
			continue
		}
		if strings.HasPrefix(arg, "-") {
			i++
			continue
		}
		// First non-option token is the subcommand; not one of ours.
		return 0, "", false
	}
	return 0, "", false
}

func hasArgPrefix(args []string, prefix string) bool {
	for _, arg := range args {
		if strings.HasPrefix(arg, prefix) {
			return true
		}
	}
	return false
}

func containsArg(args []string, want string) bool {
	for _, arg := range args {
		if arg == want {
			return true
		}
	}
	return false
}

// hasShortOrLongFlag matches long exactly and short within stacked short
// flags, so `git branch -Df topic` still counts as a delete.
func hasShortOrLongFlag(args command.Invocation, short byte, long string) bool {
	for _, arg := range args {
		if long != "" && arg == long {
			return true
		}
		if isStackedShortFlags(arg) && strings.IndexByte(arg[1:], short) >= 0 {
			return true
		}
	}
	return false
}

func isStackedShortFlags(arg string) bool {
	if len(arg) < 2 || arg[0] != '-' || arg[1] == '-' {
		return false
	}
	for i := 1; i < len(arg); i++ {
		ch := arg[i]
		if !(ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z') {
			return false
		}
	}
	return true
}
