package cli

import (
	"bytes"
	"context"
	"testing"
)

func TestAppCommandTree(t *testing.T) {
	app := buildApp("test", &bytes.Buffer{}, &bytes.Buffer{})
	want := []string{"run", "stop", "status", "list", "kill"}
	if len(app.Commands) != len(want) {
		t.Fatalf("command count = %d, want %d", len(app.Commands), len(want))
	}
	for i, name := range want {
		if app.Commands[i].Name != name {
			t.Fatalf("command[%d] = %q, want %q", i, app.Commands[i].Name, name)
		}
	}
}

func TestStatusNotRunning(t *testing.T) {
	t.Setenv("TERMHOSTD_RUNTIME_DIR", t.TempDir())
	var out bytes.Buffer
	app := buildApp("test", &out, &bytes.Buffer{})
	if err := app.Run(context.Background(), []string{"termhostd", "status"}); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := out.String(); got != "not running\n" {
		t.Fatalf("status output = %q", got)
	}
}

func TestKillRequiresTarget(t *testing.T) {
	t.Setenv("TERMHOSTD_RUNTIME_DIR", t.TempDir())
	app := buildApp("test", &bytes.Buffer{}, &bytes.Buffer{})
	if err := app.Run(context.Background(), []string{"termhostd", "kill"}); err == nil {
		t.Fatalf("expected error when daemon is down and no target given")
	}
}
