package codex

import (
	"path/filepath"
	"strings"

	"github.com/zhubert/codex-bridge/exec"
)

const (
	// DefaultBinary is launched when no override is configured.
	DefaultBinary = "codex"

	// ServerSubcommand puts codex into app-server mode.
	ServerSubcommand = "app-server"

	// BinaryEnvVar overrides the binary for the whole process.
	BinaryEnvVar = "CODEX_BIN"
)

// normalizeBinary trims v and maps the "use default" sentinels to "".
func normalizeBinary(v string) string {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "", "default", "auto":
		return ""
	}
	return v
}

// ResolveBinary picks the binary to launch: the per-call override, then the
// environment override, then DefaultBinary.
func ResolveBinary(override, env string) string {
	if b := normalizeBinary(override); b != "" {
		return b
	}
	if b := normalizeBinary(env); b != "" {
		return b
	}
	return DefaultBinary
}

// BuildLaunch returns the command that starts binary in app-server mode on the
// given GOOS. Script entry points run through their interpreter.
func BuildLaunch(binary, goos string) exec.Command {
	ext := strings.ToLower(filepath.Ext(binary))
	switch {
	case ext == ".js" || ext == ".mjs" || ext == ".cjs":
		return exec.Command{Name: "node", Args: []string{binary, ServerSubcommand}}
	case goos == "windows" && (ext == ".cmd" || ext == ".bat"):
		return exec.Command{Name: "cmd.exe", Args: []string{"/d", "/s", "/c", binary, ServerSubcommand}}
	default:
		return exec.Command{Name: binary, Args: []string{ServerSubcommand}}
	}
}

// NeedsNode reports whether binary is launched through node.
func NeedsNode(binary string) bool {
	return BuildLaunch(binary, "").Name == "node"
}
