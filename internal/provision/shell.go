package provision

import (
	"slices"
	"strings"

	"github.com/javanstorm/vmsandbox/internal/pool"
)

// Quote returns s quoted for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !isShellSafe(r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isShellSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("@%+=:,./_-", r)
}

// ShellLine renders cmd as a single POSIX shell command line:
// an optional cd, env assignments in key order, then the quoted arguments.
// Stdin is not part of the line.
func ShellLine(cmd pool.Command) string {
	var b strings.Builder
	if cmd.Dir != "" {
		b.WriteString("cd ")
		b.WriteString(Quote(cmd.Dir))
		b.WriteString(" && ")
	}
	if len(cmd.Env) > 0 {
		keys := make([]string, 0, len(cmd.Env))
		for k := range cmd.Env {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		b.WriteString("env")
		for _, k := range keys {
			b.WriteString(" ")
			b.WriteString(Quote(k + "=" + cmd.Env[k]))
		}
		b.WriteString(" ")
	}
	for i, a := range cmd.Args {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(Quote(a))
	}
	return b.String()
}
