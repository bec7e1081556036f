package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	if d.Model != DefaultSentinel || d.ReasoningEffort != DefaultSentinel || d.WebSearch != DefaultSentinel {
		t.Errorf("sentinel fields should default to %q: %+v", DefaultSentinel, d)
	}
	if d.ApprovalPolicy != "never" {
		t.Errorf("ApprovalPolicy = %q, want never", d.ApprovalPolicy)
	}
	if d.SandboxMode != "workspace-write" {
		t.Errorf("SandboxMode = %q, want workspace-write", d.SandboxMode)
	}
}

func TestMerge(t *testing.T) {
	prev := Defaults()
	prev.Model = "gpt-5.1-codex"

	tests := []struct {
		name  string
		patch map[string]any
		check func(t *testing.T, got Settings)
	}{
		{
			name:  "blank string keeps previous",
			patch: map[string]any{"model": "   "},
			check: func(t *testing.T, got Settings) {
				if got.Model != "gpt-5.1-codex" {
					t.Errorf("Model = %q", got.Model)
				}
			},
		},
		{
			name:  "wrong type keeps previous",
			patch: map[string]any{"model": 42, "sandboxMode": true},
			check: func(t *testing.T, got Settings) {
				if got.Model != "gpt-5.1-codex" || got.SandboxMode != "workspace-write" {
					t.Errorf("unexpected change: %+v", got)
				}
			},
		},
		{
			name:  "unknown enum keeps previous",
			patch: map[string]any{"approvalPolicy": "sometimes"},
			check: func(t *testing.T, got Settings) {
				if got.ApprovalPolicy != "never" {
					t.Errorf("ApprovalPolicy = %q", got.ApprovalPolicy)
				}
			},
		},
		{
			name:  "enum normalized to lower case",
			patch: map[string]any{"reasoningEffort": " HIGH ", "sandboxMode": "Read-Only"},
			check: func(t *testing.T, got Settings) {
				if got.ReasoningEffort != "high" {
					t.Errorf("ReasoningEffort = %q", got.ReasoningEffort)
				}
				if got.SandboxMode != "read-only" {
					t.Errorf("SandboxMode = %q", got.SandboxMode)
				}
			},
		},
		{
			name:  "snake case aliases",
			patch: map[string]any{"web_search": "live", "approval_policy": "on-request"},
			check: func(t *testing.T, got Settings) {
				if got.WebSearch != "live" || got.ApprovalPolicy != "on-request" {
					t.Errorf("aliases not applied: %+v", got)
				}
			},
		},
		{
			name:  "default sentinel clears binary override",
			patch: map[string]any{"codexBin": "DEFAULT"},
			check: func(t *testing.T, got Settings) {
				if got.CodexBin != "" {
					t.Errorf("CodexBin = %q, want empty", got.CodexBin)
				}
			},
		},
		{
			name:  "model back to sentinel",
			patch: map[string]any{"model": "Default"},
			check: func(t *testing.T, got Settings) {
				if got.Model != DefaultSentinel {
					t.Errorf("Model = %q", got.Model)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, Merge(prev, tt.patch))
		})
	}
}

func TestMerge_DoesNotMutatePrevious(t *testing.T) {
	prev := Defaults()
	_ = Merge(prev, map[string]any{"model": "o3"})
	if prev.Model != DefaultSentinel {
		t.Errorf("prev mutated: %q", prev.Model)
	}
}

func TestNormalize(t *testing.T) {
	got := Normalize(Settings{
		Model:           "",
		ReasoningEffort: "extreme",
		ApprovalPolicy:  "ON-FAILURE",
		SandboxMode:     "",
		Profile:         "  work ",
		WebSearch:       "cached",
	})
	if got.Model != DefaultSentinel {
		t.Errorf("Model = %q", got.Model)
	}
	if got.ReasoningEffort != DefaultSentinel {
		t.Errorf("ReasoningEffort = %q", got.ReasoningEffort)
	}
	if got.ApprovalPolicy != "on-failure" {
		t.Errorf("ApprovalPolicy = %q", got.ApprovalPolicy)
	}
	if got.SandboxMode != "workspace-write" {
		t.Errorf("SandboxMode = %q", got.SandboxMode)
	}
	if got.Profile != "work" {
		t.Errorf("Profile = %q", got.Profile)
	}
	if got.WebSearch != "cached" {
		t.Errorf("WebSearch = %q", got.WebSearch)
	}
}

func TestIsDefault(t *testing.T) {
	for _, v := range []string{"", "  ", "default", "DEFAULT"} {
		if !IsDefault(v) {
			t.Errorf("IsDefault(%q) = false", v)
		}
	}
	if IsDefault("gpt-5") {
		t.Error("IsDefault(gpt-5) = true")
	}
}

func TestLoadFile(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		got, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
		if err != nil {
			t.Fatalf("LoadFile: %v", err)
		}
		if got != Defaults() {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("yaml overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		body := "model: gpt-5.1-codex\nreasoning_effort: high\nsandbox_mode: bogus\n"
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		got, err := LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile: %v", err)
		}
		if got.Model != "gpt-5.1-codex" || got.ReasoningEffort != "high" {
			t.Errorf("overrides not applied: %+v", got)
		}
		if got.SandboxMode != "workspace-write" {
			t.Errorf("invalid sandbox should keep default, got %q", got.SandboxMode)
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("model: [unterminated"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadFile(path); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestWriteFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	want := Defaults()
	want.Model = "o4-mini"
	want.Profile = "work"

	if err := WriteFile(path, want); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}
