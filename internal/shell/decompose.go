// Package shell recognizes shell-wrapper invocations and splits their inline
// scripts into independently evaluable sub-invocations.
//
// The scanner is deliberately conservative: it accepts only word-only
// commands joined by &&, ||, ; and |. Redirections, subshells, expansions,
// command substitution, background jobs, and variable assignments all make a
// script non-decomposable, so the caller cannot be tricked into approving a
// construct the scanner does not understand.
package shell

import (
	"strings"

	"cmdguard/internal/command"
)

// MaxDepth bounds recursive decomposition of nested shell wrappers.
// Exceeding it is a deny, never a crash.
const MaxDepth = 5

// Decompose splits a shell-wrapper invocation (bash|sh|zsh with -c, -lc or
// -ilc and a single script argument) into its sub-invocations.
//
// The second return is true when inv is a shell wrapper. A wrapper whose
// script contains constructs the scanner rejects yields (nil, true): the
// invocation is a wrapper, but no safe decomposition exists.
func Decompose(inv command.Invocation) ([]command.Invocation, bool) {
	script, ok := extractScript(inv)
	if !ok {
		return nil, false
	}

	words := parseWordOnlySequence(script)
	if words == nil {
		return nil, true
	}

	subs := make([]command.Invocation, len(words))
	for i, w := range words {
		subs[i] = command.Invocation(w)
	}
	return subs, true
}

// IsWrapper reports whether inv has the shell-wrapper shape without parsing
// the script.
func IsWrapper(inv command.Invocation) bool {
	_, ok := extractScript(inv)
	return ok
}

func extractScript(inv command.Invocation) (string, bool) {
	if len(inv) != 3 {
		return "", false
	}
	switch inv.Program() {
	case "bash", "sh", "zsh":
	default:
		return "", false
	}
	switch inv[1] {
	case "-c", "-lc", "-ilc":
		return inv[2], true
	}
	return "", false
}

// parseWordOnlySequence parses a script into commands of plain words.
// Returns nil if the script contains any construct the scanner rejects.
func parseWordOnlySequence(script string) [][]string {
	p := &parser{src: script}
	return p.parse()
}

type parser struct {
	src string
	pos int
}

func (p *parser) parse() [][]string {
	var commands [][]string
	var current []string
	needCommand := false // set after an operator; a command must follow

	for p.pos < len(p.src) {
		p.skipWhitespace()
		if p.pos >= len(p.src) {
			break
		}

		ch := p.src[p.pos]

		if ch == '#' {
			for p.pos < len(p.src) && p.src[p.pos] != '\n' {
				p.pos++
			}
			continue
		}

		if ch == '>' || ch == '<' || ch == '(' || ch == ')' || ch == '`' || ch == '$' {
			return nil
		}

		if ch == '&' {
			if p.pos+1 < len(p.src) && p.src[p.pos+1] == '&' {
				if len(current) == 0 {
					return nil
				}
				commands = append(commands, current)
				current = nil
				needCommand = true
				p.pos += 2
				continue
			}
			// Bare & backgrounds the job.
			return nil
		}

		if ch == '|' {
			width := 1
			if p.pos+1 < len(p.src) && p.src[p.pos+1] == '|' {
				width = 2
			}
			if len(current) == 0 {
				return nil
			}
			commands = append(commands, current)
			current = nil
			needCommand = true
			p.pos += width
			continue
		}

		if ch == ';' {
			if len(current) == 0 {
				return nil
			}
			commands = append(commands, current)
			current = nil
			needCommand = true
			p.pos++
			continue
		}

		word, ok := p.parseWord()
		if !ok {
			return nil
		}

		// FOO=bar at command position is a variable assignment.
		if len(current) == 0 && strings.Contains(word, "=") {
			return nil
		}

		current = append(current, word)
		needCommand = false
	}

	if needCommand {
		// Trailing operator, e.g. "ls &&".
		return nil
	}
	if len(current) > 0 {
		commands = append(commands, current)
	}
	if len(commands) == 0 {
		return nil
	}
	return commands
}

// parseWord consumes one word: a plain token, a quoted string, or a
// concatenation of the two (e.g. -g"*.py").
func (p *parser) parseWord() (string, bool) {
	var b strings.Builder
	gotAny := false

	for p.pos < len(p.src) {
		ch := p.src[p.pos]

		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			break
		}
		if ch == '&' || ch == '|' || ch == ';' || ch == '#' {
			break
		}
		if ch == '>' || ch == '<' || ch == '(' || ch == ')' || ch == '`' || ch == '$' {
			return "", false
		}
		if ch == '=' && !gotAny {
			return "", false
		}

		if ch == '\'' {
			s, ok := p.parseSingleQuoted()
			if !ok {
				return "", false
			}
			b.WriteString(s)
			gotAny = true
			continue
		}
		if ch == '"' {
			s, ok := p.parseDoubleQuoted()
			if !ok {
				return "", false
			}
			b.WriteString(s)
			gotAny = true
			continue
		}

		b.WriteByte(ch)
		p.pos++
		gotAny = true
	}

	if !gotAny {
		return "", false
	}
	return b.String(), true
}

func (p *parser) parseSingleQuoted() (string, bool) {
	p.pos++ // opening '
	var b strings.Builder
	for p.pos < len(p.src) {
		ch := p.src[p.pos]
		if ch == '\'' {
			p.pos++
			return b.String(), true
		}
		b.WriteByte(ch)
		p.pos++
	}
	return "", false // unterminated
}

func (p *parser) parseDoubleQuoted() (string, bool) {
	p.pos++ // opening "
	var b strings.Builder
	for p.pos < len(p.src) {
		ch := p.src[p.pos]
		if ch == '"' {
			p.pos++
			return b.String(), true
		}
		// No expansion or substitution inside double quotes.
		if ch == '$' || ch == '`' {
			return "", false
		}
		b.WriteByte(ch)
		p.pos++
	}
	return "", false // unterminated
}

func (p *parser) skipWhitespace() {
	for p.pos < len(p.src) {
		ch := p.src[p.pos]
		if ch != ' ' && ch != '\t' && ch != '\n' && ch != '\r' {
			break
		}
		p.pos++
	}
}
