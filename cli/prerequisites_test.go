package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPrerequisites(t *testing.T) {
	tests := []struct {
		name         string
		binary       string
		wantScript   bool
		nodeRequired bool
	}{
		{"plain binary", "codex", false, false},
		{"js launcher", "/opt/codex/bin/codex.js", true, true},
		{"mjs launcher", "codex.MJS", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prereqs := Prerequisites(tt.binary)
			if len(prereqs) != 2 {
				t.Fatalf("len = %d, want 2", len(prereqs))
			}
			codex, node := prereqs[0], prereqs[1]
			if codex.Name != tt.binary || !codex.Required || codex.Script != tt.wantScript {
				t.Errorf("codex prerequisite = %+v", codex)
			}
			if node.Name != "node" || node.Required != tt.nodeRequired {
				t.Errorf("node prerequisite = %+v", node)
			}
		})
	}
}

func TestCheck_ExistingCommand(t *testing.T) {
	// Test with a command that definitely exists on any system
	result := Check(context.Background(), Prerequisite{Name: "echo", Required: true, Description: "Echo command"})

	if !result.Found {
		t.Skip("echo command not found in PATH, skipping test")
	}
	if result.Path == "" {
		t.Error("Check should return path for found command")
	}
	if result.Error != nil {
		t.Errorf("Check should not return error for found command: %v", result.Error)
	}
}

func TestCheck_NonExistingCommand(t *testing.T) {
	result := Check(context.Background(), Prerequisite{
		Name:        "definitely-not-a-real-command-12345",
		Required:    true,
		Description: "Fake command",
		InstallURL:  "http://example.com",
	})

	if result.Found {
		t.Error("Check should return Found=false for non-existing command")
	}
	if result.Path != "" {
		t.Error("Check should return empty path for non-existing command")
	}
	if result.Error == nil {
		t.Error("Check should return error for non-existing command")
	}
}

func TestCheck_Script(t *testing.T) {
	script := filepath.Join(t.TempDir(), "codex.js")
	if err := os.WriteFile(script, []byte("// launcher\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	found := Check(context.Background(), Prerequisite{Name: script, Script: true, Required: true})
	if !found.Found || found.Path != script {
		t.Errorf("script check = %+v", found)
	}

	missing := Check(context.Background(), Prerequisite{Name: script + ".missing", Script: true, Required: true})
	if missing.Found || missing.Error == nil {
		t.Errorf("missing script check = %+v", missing)
	}
}

func TestCheckAll(t *testing.T) {
	prereqs := []Prerequisite{
		{Name: "echo", Required: true, Description: "Echo"},
		{Name: "fake-cmd-xyz", Required: false, Description: "Fake"},
	}

	results := CheckAll(context.Background(), prereqs)

	if len(results) != len(prereqs) {
		t.Errorf("CheckAll returned %d results, want %d", len(results), len(prereqs))
	}
	if !results[0].Found {
		t.Skip("echo not found, skipping")
	}
	if results[1].Found {
		t.Error("Fake command should not be found")
	}
}

func TestValidateRequired(t *testing.T) {
	found := CheckResult{Prerequisite: Prerequisite{Name: "codex", Required: true}, Found: true}
	missingRequired := CheckResult{Prerequisite: Prerequisite{Name: "fake-required-cmd-xyz", Required: true, Description: "Fake required", InstallURL: "http://example.com"}}
	missingOptional := CheckResult{Prerequisite: Prerequisite{Name: "node", Required: false}}

	if err := ValidateRequired([]CheckResult{found, missingOptional}); err != nil {
		t.Errorf("optional tools should not fail validation: %v", err)
	}

	err := ValidateRequired([]CheckResult{found, missingRequired, missingOptional})
	if err == nil {
		t.Fatal("ValidateRequired should return error when required command is missing")
	}
	if !strings.Contains(err.Error(), "fake-required-cmd-xyz") || !strings.Contains(err.Error(), "http://example.com") {
		t.Errorf("Error should mention missing command and install URL: %v", err)
	}
	if strings.Contains(err.Error(), "node") {
		t.Errorf("Error should not mention optional tools: %v", err)
	}
}

func TestFormatCheckResults(t *testing.T) {
	results := []CheckResult{
		{
			Prerequisite: Prerequisite{Name: "found-cmd", Required: true, Description: "Found command"},
			Found:        true,
			Path:         "/usr/bin/found-cmd",
			Version:      "1.0.0",
		},
		{
			Prerequisite: Prerequisite{Name: "missing-required", Required: true, Description: "Missing required"},
		},
		{
			Prerequisite: Prerequisite{Name: "missing-optional", Required: false, Description: "Missing optional"},
		},
	}

	output := FormatCheckResults(results)

	for _, want := range []string{"Prerequisites", "found-cmd", "(1.0.0)", "[REQUIRED]", "[optional]", "✓", "✗", "○"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestFormatCheckResults_Empty(t *testing.T) {
	output := FormatCheckResults([]CheckResult{})

	if !strings.Contains(output, "Prerequisites") {
		t.Error("Empty results should still contain header")
	}
}
