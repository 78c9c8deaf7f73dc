package process

import (
	"os/exec"
	"strings"
)

// shellMeta lists characters that need a shell to interpret.
const shellMeta = "|&;<>*?`$\"'(){}[]~"

// BuildCommand turns a command line into an *exec.Cmd. Plain argument lists are
// executed directly; lines with shell metacharacters run under /bin/sh -c, and
// an explicit "sh -c ..." prefix is honoured without adding a second shell.
func BuildCommand(cmdline string) *exec.Cmd {
	line := strings.TrimSpace(cmdline)
	if line == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if script, ok := explicitShellScript(line); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", script)
	}
	if strings.ContainsAny(line, shellMeta) {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", line)
	}
	parts := strings.Fields(line)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// explicitShellScript extracts the script of "sh -c <script>" style lines,
// stripping one pair of enclosing quotes.
func explicitShellScript(line string) (string, bool) {
	for _, prefix := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		script := strings.TrimSpace(line[len(prefix):])
		if n := len(script); n >= 2 {
			if (script[0] == '\'' && script[n-1] == '\'') || (script[0] == '"' && script[n-1] == '"') {
				script = script[1 : n-1]
			}
		}
		return script, true
	}
	return "", false
}
