package agent

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDefaultSpec(t *testing.T) {
	spec := DefaultSpec("claude", "/logs")

	if spec.Binary != "claude" || spec.LogsRoot != "/logs" {
		t.Errorf("unexpected binary/logs root: %q %q", spec.Binary, spec.LogsRoot)
	}
	if spec.PromptFlag != "-p" || spec.ModelFlag != "--model" || spec.ResumeFlag != "--resume" {
		t.Errorf("unexpected flags: %+v", spec)
	}
	if !reflect.DeepEqual(spec.BaseArgs, []string{"--dangerously-skip-permissions"}) {
		t.Errorf("unexpected base args: %v", spec.BaseArgs)
	}
}

func TestLoadSpecWithoutCatalog(t *testing.T) {
	spec, err := LoadSpec("", "claude", "/logs")
	if err != nil {
		t.Fatalf("LoadSpec failed: %v", err)
	}
	if spec.Name != "claude" {
		t.Errorf("expected built-in spec, got %+v", spec)
	}
}

func TestLoadSpecCatalogOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	catalog := `agents:
  - name: claude
    binary: /opt/claude/bin/claude
    prompt_flag: --prompt
  - name: other
    binary: /usr/bin/other
`
	if err := os.WriteFile(path, []byte(catalog), 0o644); err != nil {
		t.Fatal(err)
	}

	spec, err := LoadSpec(path, "claude", "/logs")
	if err != nil {
		t.Fatalf("LoadSpec failed: %v", err)
	}
	if spec.Binary != "/opt/claude/bin/claude" {
		t.Errorf("binary override not applied: %q", spec.Binary)
	}
	if spec.PromptFlag != "--prompt" {
		t.Errorf("prompt flag override not applied: %q", spec.PromptFlag)
	}
	// Fields the catalog leaves empty keep their defaults.
	if spec.ModelFlag != "--model" || spec.LogsRoot != "/logs" {
		t.Errorf("defaults lost: %+v", spec)
	}
}

func TestLoadSpecRejectsBadPattern(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	catalog := `agents:
  - name: claude
    session_id_pattern: "[unclosed"
`
	if err := os.WriteFile(path, []byte(catalog), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadSpec(path, "claude", "/logs"); err == nil {
		t.Fatal("expected error for an invalid pattern")
	}
}

func TestBuildArgs(t *testing.T) {
	backend := NewCLIBackend(DefaultSpec("claude", "/logs"), 0, 0, testLogger())

	args := backend.buildArgs(Turn{Prompt: "fix the bug", Model: "m1", AgentSessionID: "abc"})
	want := []string{"--dangerously-skip-permissions", "-p", "fix the bug", "--model", "m1", "--resume", "abc"}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("args = %v, want %v", args, want)
	}

	args = backend.buildArgs(Turn{Prompt: "hi", Images: []string{"/tmp/a.png", "/tmp/b.png"}})
	want = []string{"--dangerously-skip-permissions", "-p", "/tmp/a.png\n/tmp/b.png\n\nhi"}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("args with images = %v, want %v", args, want)
	}
}
