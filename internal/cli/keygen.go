package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/crypto"
)

func newKeygenCommand() *cobra.Command {
	var (
		format    string
		tag       string
		out       string
		publicOut string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a Kernel keystore and, optionally, the Gate's verify-only copy",
		Example: `  cda keygen --format jwt --out keys/kernel.json --public-out keys/gate.json
  cda keygen --format paseto --tag cda-v13.4 --out keys/shared.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ks, err := crypto.GenerateKeystore(format, tag)
			if err != nil {
				return err
			}
			if err := ks.Save(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s keystore %s (active key %s)\n", ks.Format, out, ks.Active)

			if publicOut == "" {
				return nil
			}
			pub, err := ks.VerifyOnly()
			if err != nil {
				return err
			}
			if err := pub.Save(publicOut); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote verify-only keystore %s\n", publicOut)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", crypto.FormatPASETO, "token format: paseto or jwt")
	cmd.Flags().StringVar(&tag, "tag", crypto.DefaultProtocolVersion, "protocol version tag for the new key")
	cmd.Flags().StringVar(&out, "out", "keys/kernel.json", "keystore path")
	cmd.Flags().StringVar(&publicOut, "public-out", "", "also write the Gate's keystore here")
	return cmd
}
