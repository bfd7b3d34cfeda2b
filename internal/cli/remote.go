package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/client"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

func newExecuteCommand() *cobra.Command {
	var (
		gateURL string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "execute [token|-]",
		Short: "Present a token to a Gate",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := tokenArg(cmd, args)
			if err != nil {
				return err
			}
			res, err := client.New(gateURL, client.WithTimeout(timeout)).Execute(cmd.Context(), contracts.Token(tok))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&gateURL, "gate", "http://localhost:8002", "Gate base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	return cmd
}

func newHealthCommand() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a Kernel or Gate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, err := client.New(url, client.WithTimeout(5*time.Second)).Health(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8001", "server base URL")
	return cmd
}
