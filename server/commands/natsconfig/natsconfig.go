package natsconfig

import (
	"fmt"

	"github.com/spf13/cobra"
	"gitlab.com/shar-workflow/shar-scopes/server/services/natz"
)

// Cmd is the cobra command object
var Cmd = &cobra.Command{
	Use:   "show-nats-config",
	Short: "Outputs the default JetStream topology",
	Long:  `The output can be edited and passed back through SCOPES_NATS_CONFIG.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprint(cmd.OutOrStdout(), natz.DefaultNatsConfig)
		return err
	},
}
