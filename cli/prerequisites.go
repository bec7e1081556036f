// Package cli checks that the tools the bridge launches are installed.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/zhubert/codex-bridge/codex"
)

const versionTimeout = 5 * time.Second

// Prerequisite represents a required CLI tool
type Prerequisite struct {
	Name        string // Command name or path (e.g., "codex", "node")
	Required    bool   // Whether the bridge can run without it
	Script      bool   // Name is a script file rather than an executable
	Description string // Human-readable description
	InstallURL  string // URL for installation instructions
}

// Prerequisites returns the tools needed to launch binary, the resolved codex
// binary. Script launchers additionally need node.
func Prerequisites(binary string) []Prerequisite {
	script := codex.NeedsNode(binary)
	return []Prerequisite{
		{
			Name:        binary,
			Required:    true,
			Script:      script,
			Description: "Codex CLI (app-server)",
			InstallURL:  "https://github.com/openai/codex",
		},
		{
			Name:        "node",
			Required:    script,
			Description: "Node.js (runs script launchers)",
			InstallURL:  "https://nodejs.org",
		},
	}
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Path to the executable if found
	Version      string // Version string if available
	Error        error
}

// Check verifies that a CLI tool is available.
func Check(ctx context.Context, prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	if prereq.Script {
		if _, err := os.Stat(prereq.Name); err != nil {
			result.Error = fmt.Errorf("%s not found", prereq.Name)
			return result
		}
		result.Found = true
		result.Path = prereq.Name
		return result
	}

	path, err := exec.LookPath(prereq.Name)
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
		return result
	}

	result.Found = true
	result.Path = path
	result.Version = getVersion(ctx, path)
	return result
}

// CheckAll verifies all prerequisites and returns results
func CheckAll(ctx context.Context, prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(ctx, prereq)
	}
	return results
}

// ValidateRequired returns an error describing every required tool that is
// missing from results.
func ValidateRequired(results []CheckResult) error {
	var missing []string
	for _, r := range results {
		if !r.Prerequisite.Required || r.Found {
			continue
		}
		missing = append(missing, fmt.Sprintf("  - %s (%s)\n    Install: %s",
			r.Prerequisite.Name, r.Prerequisite.Description, r.Prerequisite.InstallURL))
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required CLI tools:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

// getVersion returns the first line of `<path> --version`, or "".
func getVersion(ctx context.Context, path string) string {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(string(output), "\n")
	version := strings.TrimSpace(line)
	// Limit length to avoid overly long version strings
	if len(version) > 100 {
		version = version[:100] + "..."
	}
	return version
}

// FormatCheckResults formats check results for display
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("Prerequisites:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		fmt.Fprintf(&sb, "  %s %s", status, r.Prerequisite.Name)
		if r.Found && r.Version != "" {
			fmt.Fprintf(&sb, " (%s)", r.Version)
		} else if !r.Found {
			if r.Prerequisite.Required {
				sb.WriteString(" [REQUIRED]")
			} else {
				sb.WriteString(" [optional]")
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
