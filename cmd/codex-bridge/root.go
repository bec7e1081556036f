package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zhubert/codex-bridge/config"
	"github.com/zhubert/codex-bridge/logger"
	"github.com/zhubert/codex-bridge/paths"
)

const envPrefix = "CODEX_BRIDGE"

// buildRootCmd creates the command tree. Running it with no subcommand
// serves.
func buildRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "codex-bridge",
		Short: "Bridge a GUI to the codex app-server over stdio",
		Long: `codex-bridge supervises a codex app-server subprocess and exposes it
through a simple request/response/event protocol, one JSON document per line
on standard input and standard output. Diagnostics go to standard error.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, v)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "YAML defaults file (default is the config dir's config.yaml)")
	flags.String("log-file", "", "write diagnostics to this file instead of stderr")
	flags.Bool("debug", false, "enable debug logging")
	flags.String("log-format", "text", "diagnostic log format: text or json")
	flags.String("codex-bin", "", "codex binary to launch (overrides $CODEX_BIN)")
	for _, name := range []string{"config", "log-file", "debug", "log-format", "codex-bin"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd.AddCommand(
		buildServeCmd(v),
		buildDoctorCmd(v),
		buildVersionCmd(),
		buildConfigCmd(v),
	)
	return rootCmd
}

// configPath returns --config, or the default location.
func configPath(v *viper.Viper) (string, error) {
	if p := strings.TrimSpace(v.GetString("config")); p != "" {
		return p, nil
	}
	return paths.ConfigFilePath()
}

// loadSettings reads the defaults file and applies --codex-bin.
func loadSettings(v *viper.Viper) (config.Settings, error) {
	path, err := configPath(v)
	if err != nil {
		return config.Settings{}, err
	}
	settings, err := config.LoadFile(path)
	if err != nil {
		return config.Settings{}, err
	}
	if bin := v.GetString("codex-bin"); strings.TrimSpace(bin) != "" {
		settings = config.Merge(settings, map[string]any{"codexBin": bin})
	}
	return settings, nil
}

// setupLogging points the diagnostic logger at --log-file or stderr.
func setupLogging(cmd *cobra.Command, v *viper.Viper) error {
	logger.SetDebug(v.GetBool("debug"))
	switch format := strings.ToLower(v.GetString("log-format")); format {
	case "", "text":
		logger.SetJSON(false)
	case "json":
		logger.SetJSON(true)
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", format)
	}
	if path := strings.TrimSpace(v.GetString("log-file")); path != "" {
		return logger.Init(path)
	}
	logger.InitWriter(cmd.ErrOrStderr())
	return nil
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bridge version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "codex-bridge %s (commit: %s)\n", version, commit)
		},
	}
}
