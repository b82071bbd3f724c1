// Package command defines the invocation type shared by every evaluation layer.
package command

import (
	"path/filepath"
	"strings"
)

// Invocation is an ordered, non-empty argument vector. Token 0 is the
// program name; the remaining tokens are its arguments.
type Invocation []string

// New copies args into a fresh Invocation.
func New(args ...string) Invocation {
	inv := make(Invocation, len(args))
	copy(inv, args)
	return inv
}

// Program returns the base name of token 0 with any leading path
// components stripped ("/usr/bin/git" -> "git"). Empty invocations
// return "".
func (inv Invocation) Program() string {
	if len(inv) == 0 {
		return ""
	}
	return filepath.Base(inv[0])
}

// Args returns the tokens after the program name.
func (inv Invocation) Args() []string {
	if len(inv) < 2 {
		return nil
	}
	return inv[1:]
}

// Text returns the canonical joined form used as the cache and audit key.
// Tokens are POSIX single-quoted when they contain whitespace or shell
// metacharacters, so the same token vector always produces the same text.
func (inv Invocation) Text() string {
	parts := make([]string, len(inv))
	for i, tok := range inv {
		parts[i] = quotePOSIX(tok)
	}
	return strings.Join(parts, " ")
}

// quotePOSIX single-quotes arg unless it consists solely of characters that
// need no quoting in a POSIX shell. Embedded single quotes become '"'"'.
func quotePOSIX(arg string) string {
	if arg == "" {
		return "''"
	}

	plain := true
	for _, ch := range arg {
		if ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9' {
			continue
		}
		if strings.ContainsRune("-_./:@=+,", ch) {
			continue
		}
		plain = false
		break
	}
	if plain {
		return arg
	}

	var b strings.Builder
	b.WriteByte('\'')
	for _, ch := range arg {
		if ch == '\'' {
			b.WriteString(`'"'"'`)
		} else {
			b.WriteRune(ch)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
