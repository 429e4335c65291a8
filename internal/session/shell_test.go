package session

import (
	"strings"
	"testing"
)

func TestResolveCommandEmpty(t *testing.T) {
	name, args, err := resolveCommand("")
	if err != nil {
		t.Fatalf("resolveCommand: %v", err)
	}
	if name == "" || len(args) != 0 {
		t.Fatalf("resolveCommand(\"\") = %q %v", name, args)
	}
}

func TestResolveCommandWithArgs(t *testing.T) {
	name, args, err := resolveCommand("/bin/zsh -l -i")
	if err != nil {
		t.Fatalf("resolveCommand: %v", err)
	}
	if name != "/bin/zsh" || len(args) != 2 || args[0] != "-l" || args[1] != "-i" {
		t.Fatalf("resolveCommand = %q %v", name, args)
	}
}

func TestResolveCommandQuoting(t *testing.T) {
	name, args, err := resolveCommand(`/bin/sh -c "echo hi"`)
	if err != nil {
		t.Fatalf("resolveCommand: %v", err)
	}
	if name != "/bin/sh" || len(args) != 2 || args[1] != "echo hi" {
		t.Fatalf("resolveCommand = %q %v", name, args)
	}
}

func TestResolveCommandBadQuoting(t *testing.T) {
	if _, _, err := resolveCommand(`sh -c "unterminated`); err == nil {
		t.Fatalf("expected quoting error")
	}
}

func TestBuildEnvDefaults(t *testing.T) {
	env := buildEnv(nil, "sess-1")
	if !hasEnv(env, "TERM") {
		t.Fatalf("TERM missing")
	}
	found := false
	for _, kv := range env {
		if kv == "TERMHOSTD_SESSION_ID=sess-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("session id missing from env")
	}
}

func TestBuildEnvOverrides(t *testing.T) {
	env := buildEnv(map[string]string{"TERM": "dumb", "EXTRA": "1"}, "s")
	term := ""
	for _, kv := range env {
		if strings.HasPrefix(kv, "TERM=") {
			term = kv
		}
	}
	if term != "TERM=dumb" {
		t.Fatalf("override lost: %q", term)
	}
	if !hasEnv(env, "EXTRA") {
		t.Fatalf("extra var missing")
	}
}
