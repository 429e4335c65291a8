package session

import (
	"os"
	"strings"

	"github.com/kballard/go-shellquote"
)

// resolveCommand turns the request's shell string into an argv. An empty
// shell selects a platform default; a shell with arguments ("zsh -l") is
// split with shell quoting rules.
func resolveCommand(shell string) (string, []string, error) {
	shell = strings.TrimSpace(shell)
	if shell == "" {
		return detectShell(), nil, nil
	}
	words, err := shellquote.Split(shell)
	if err != nil {
		return "", nil, err
	}
	if len(words) == 0 {
		return detectShell(), nil, nil
	}
	return words[0], words[1:], nil
}

// detectShell is a conservative default for interactive sessions.
func detectShell() string {
	if shell := os.Getenv("SHELL"); strings.TrimSpace(shell) != "" {
		return shell
	}
	for _, s := range []string{"/bin/zsh", "/bin/bash", "/bin/fish", "/bin/sh"} {
		if _, err := os.Stat(s); err == nil {
			return s
		}
	}
	return "/bin/sh"
}

// buildEnv layers request overrides over the daemon environment and fills in
// terminal identity variables unless the caller set them.
func buildEnv(overrides map[string]string, sessionID string) []string {
	env := append([]string{}, os.Environ()...)
	for key, value := range overrides {
		env = setEnv(env, key, value)
	}
	if !hasEnv(env, "TERM") {
		env = append(env, "TERM=xterm-256color")
	}
	if !hasEnv(env, "COLORTERM") {
		env = append(env, "COLORTERM=truecolor")
	}
	env = append(env,
		"TERM_PROGRAM=TERMHOSTD",
		"TERMHOSTD_SESSION_ID="+sessionID,
	)
	return env
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

func hasEnv(env []string, key string) bool {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return true
		}
	}
	return false
}
