// Command codex-bridge runs a codex app-server behind a line-delimited JSON
// protocol on standard input and output.
//
// Start the bridge (the default command):
//
//	codex-bridge
//	codex-bridge serve --codex-bin /opt/codex/bin/codex.js
//
// Check that codex and its launcher are installed:
//
//	codex-bridge doctor
//
// Environment variables:
//
//   - CODEX_BIN: codex binary to launch (the --codex-bin flag and the
//     codexBin setting take precedence)
//   - CODEX_BRIDGE_CONFIG: path to the YAML defaults file
//   - CODEX_BRIDGE_LOG_FILE: write diagnostics to a file instead of stderr
//   - CODEX_BRIDGE_DEBUG: enable debug logging
//   - CODEX_BRIDGE_LOG_FORMAT: text (default) or json
package main

import (
	"fmt"
	"os"
)

// Build information, set with -ldflags "-X main.version=v1.0.0".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "codex-bridge:", err)
		os.Exit(1)
	}
}
