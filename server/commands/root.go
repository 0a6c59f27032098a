package commands

import (
	"os"

	"github.com/spf13/cobra"
	"gitlab.com/shar-workflow/shar-scopes/server/commands/natsconfig"
	"gitlab.com/shar-workflow/shar-scopes/server/commands/run"
	"gitlab.com/shar-workflow/shar-scopes/server/commands/serve"
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:          "scopes",
	Short:        "BPMN scope lifecycle engine",
	Long:         ``,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flag appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.AddCommand(serve.Cmd)
	RootCmd.AddCommand(run.Cmd)
	RootCmd.AddCommand(natsconfig.Cmd)
}
