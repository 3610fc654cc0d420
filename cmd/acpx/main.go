// Package main is acpx's entry point: a headless CLI driver for
// Agent-Client-Protocol adapters. It wires cobra subcommands to the
// lease/owner/submitter/supervisor runtime in internal/.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/acpx-dev/acpx/internal/output"
)

var (
	formatFlag  string
	verboseFlag bool
	nameFlag    string
	agentFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "acpx",
	Short: "A headless CLI driver for Agent-Client-Protocol adapters",
	Long: `acpx drives ACP-speaking coding agents from the command line: it
resolves (or spawns) a per-project agent session, submits prompts, and
streams the agent's session/update events back to the terminal.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(output.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&formatFlag, "format", "text", "output format: text, json, or quiet")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&nameFlag, "name", "", "disambiguates multiple sessions in the same project directory")
	rootCmd.PersistentFlags().StringVar(&agentFlag, "agent", "", "agent command to run, overriding acpx.yaml/config.yaml")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(ownerCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(setModeCmd)
	rootCmd.AddCommand(setConfigCmd)
	rootCmd.AddCommand(sessionCmd)

	ownerCmd.Hidden = true
}
