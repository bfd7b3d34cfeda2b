package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/api"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/client"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/crypto"
	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/kernel"
)

const defaultTTL = 300

func newAuthorizeCommand() *cobra.Command {
	var (
		intentPath   string
		contextPath  string
		keystorePath string
		policyPath   string
		kernelURL    string
		gateURL      string
		ttl          int64
	)
	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "Evaluate an intent and print the signed authorization",
		Long: `authorize signs locally with --keystore (or CDA_KEYSTORE / CDA_SECRET),
or forwards to a running Kernel with --kernel.

The context snapshot comes from --context, or from a Gate's
GET /entities/{id} with --gate.`,
		Example: `  cda authorize --intent intent.json --context context.json --keystore keys/kernel.json
  cda authorize --intent intent.json --gate http://localhost:8002 --kernel http://localhost:8001`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			req := api.AuthorizeRequest{Intent: &contracts.Intent{}}
			data, err := readInput(cmd, intentPath)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(data, req.Intent); err != nil {
				return fmt.Errorf("parse intent: %w", err)
			}
			if req.Intent.TTL == 0 {
				req.Intent.TTL = ttl
			}

			switch {
			case contextPath != "":
				data, err := readInput(cmd, contextPath)
				if err != nil {
					return err
				}
				req.Context = &contracts.ContextSnapshot{}
				if err := json.Unmarshal(data, req.Context); err != nil {
					return fmt.Errorf("parse context: %w", err)
				}
			case gateURL != "":
				snap, err := client.New(gateURL).Snapshot(ctx, req.Intent.EntityID)
				if err != nil {
					return fmt.Errorf("fetch context: %w", err)
				}
				req.Context = snap
			default:
				return fmt.Errorf("one of --context or --gate is required")
			}
			req.FillDefaults()

			if kernelURL != "" {
				auth, err := client.New(kernelURL).Authorize(ctx, req.Intent, req.Context)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), auth)
			}

			ks, err := keystoreFor(keystorePath)
			if err != nil {
				return err
			}
			signer, err := ks.Signer()
			if err != nil {
				return err
			}
			pol, err := loadPolicy(ctx, policyPath, false, nil)
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			auth, err := kernel.New(pol, signer, kernel.WithLogger(logger)).Authorize(ctx, req.Intent, req.Context)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), auth)
		},
	}
	f := cmd.Flags()
	f.StringVar(&intentPath, "intent", "", "intent JSON file, or - for stdin")
	f.StringVar(&contextPath, "context", "", "context snapshot JSON file")
	f.StringVar(&keystorePath, "keystore", "", "signing keystore (default: from environment)")
	f.StringVar(&policyPath, "policy", "", "policy file (default: built-in baseline)")
	f.StringVar(&kernelURL, "kernel", "", "authorize through this Kernel instead of signing locally")
	f.StringVar(&gateURL, "gate", "", "fetch the context snapshot from this Gate")
	f.Int64Var(&ttl, "ttl", defaultTTL, "token lifetime in seconds when the intent has none")
	_ = cmd.MarkFlagRequired("intent")
	return cmd
}

// Inspection is the decoded view of a token.
type Inspection struct {
	Manifest  *contracts.Manifest `json:"manifest"`
	Digest    string              `json:"digest"`
	ExpiresAt time.Time           `json:"expires_at"`
	Expired   bool                `json:"expired"`
}

func newInspectCommand() *cobra.Command {
	var keystorePath string
	cmd := &cobra.Command{
		Use:   "inspect [token|-]",
		Short: "Verify a token and print its manifest",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := tokenArg(cmd, args)
			if err != nil {
				return err
			}
			ks, err := keystoreFor(keystorePath)
			if err != nil {
				return err
			}
			v, err := ks.Verifier()
			if err != nil {
				return err
			}
			m, err := v.Verify(contracts.Token(tok))
			if err != nil {
				return err
			}
			digest, err := crypto.Digest(m)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), Inspection{
				Manifest:  m,
				Digest:    digest,
				ExpiresAt: m.ExpiresAt(),
				Expired:   m.Expired(time.Now()),
			})
		},
	}
	cmd.Flags().StringVar(&keystorePath, "keystore", "", "verifying keystore (default: from environment)")
	return cmd
}
