package main

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-billing/core"
	"github.com/spf13/cobra"
)

type accountOptions struct {
	id            string
	name          string
	webhookURL    string
	webhookSecret string
	walletRef     string
}

func seedAccountCmd(flags *globalFlags) *cobra.Command {
	opts := &accountOptions{}
	cmd := &cobra.Command{
		Use:   "seed-account",
		Short: "Create or update a merchant account and its webhook endpoint",
		Long: `Create or update a merchant account.

Examples:
  billingd seed-account --id acct_1 --name Acme \
    --webhook-url https://acme.test/hooks --webhook-secret whsec_123`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(opts.id) == "" {
				return fmt.Errorf("--id is required")
			}
			ctx := cmd.Context()
			env, err := newEnvironment(ctx, flags)
			if err != nil {
				return err
			}
			defer env.Close()

			account, err := env.stores.AccountStore().Upsert(ctx, core.Account{
				ID:            opts.id,
				Name:          opts.name,
				WebhookURL:    opts.webhookURL,
				WebhookSecret: opts.webhookSecret,
				WalletRef:     opts.walletRef,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %s saved (webhooks enabled: %t)\n", account.ID, account.WebhooksEnabled())
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.id, "id", "", "account id")
	cmd.Flags().StringVar(&opts.name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.webhookURL, "webhook-url", "", "endpoint that receives billing events")
	cmd.Flags().StringVar(&opts.webhookSecret, "webhook-secret", "", "HMAC secret used to sign events")
	cmd.Flags().StringVar(&opts.walletRef, "wallet-ref", "", "server wallet reference passed to the onchain provider")
	return cmd
}
