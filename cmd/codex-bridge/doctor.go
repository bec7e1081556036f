package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zhubert/codex-bridge/cli"
	"github.com/zhubert/codex-bridge/codex"
)

func buildDoctorCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the codex binary and its launcher are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(v)
			if err != nil {
				return err
			}
			binary := codex.ResolveBinary(settings.CodexBin, os.Getenv(codex.BinaryEnvVar))
			launch := codex.BuildLaunch(binary, runtime.GOOS)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Launch command: %s %v\n\n", launch.Name, launch.Args)

			results := cli.CheckAll(cmd.Context(), cli.Prerequisites(binary))
			fmt.Fprint(out, cli.FormatCheckResults(results))
			return cli.ValidateRequired(results)
		},
	}
}
