package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arenalab/collection-core/internal/credential"
)

func newCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage provider credentials",
	}
	cmd.AddCommand(newCredentialAddCmd())
	cmd.AddCommand(newCredentialReactivateCmd())
	return cmd
}

func newCredentialAddCmd() *cobra.Command {
	var (
		id          string
		platform    string
		tier        string
		payload     []string
		quotaLimit  int64
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a credential in the pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := appFromContext(cmd)
			if err != nil {
				return err
			}
			fields := make(map[string]string, len(payload))
			for _, kv := range payload {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("payload entry %q is not key=value", kv)
				}
				fields[k] = v
			}
			if id == "" {
				if id, err = a.IDs.NewID(); err != nil {
					return fmt.Errorf("generate credential id: %w", err)
				}
			}
			cred := credential.Credential{
				ID:               id,
				Platform:         platform,
				Tier:             tier,
				Payload:          fields,
				Status:           credential.StatusActive,
				QuotaLimit:       quotaLimit,
				ConcurrencyLimit: concurrency,
			}
			if err := a.CredStore.Add(cmd.Context(), cred); err != nil {
				return fmt.Errorf("add credential: %w", err)
			}
			a.Logger.Info("credential registered",
				zap.String("credential_id", id),
				zap.String("platform", platform),
				zap.String("tier", tier),
			)
			fmt.Println(id)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "credential ID (generated when empty)")
	cmd.Flags().StringVar(&platform, "platform", "", "platform name (required)")
	cmd.Flags().StringVar(&tier, "tier", "", "credential tier")
	cmd.Flags().StringSliceVar(&payload, "payload", nil, "secret fields as key=value pairs")
	cmd.Flags().Int64Var(&quotaLimit, "quota-limit", 0, "provider quota limit (0 = unmetered)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "max concurrent leases (0 = unbounded)")
	_ = cmd.MarkFlagRequired("platform")

	return cmd
}

func newCredentialReactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reactivate <credential-id>",
		Short: "Clear an errored credential back to active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := appFromContext(cmd)
			if err != nil {
				return err
			}
			if err := a.Pool.Reactivate(cmd.Context(), args[0]); err != nil {
				return err
			}
			a.Logger.Info("credential reactivated", zap.String("credential_id", args[0]))
			return nil
		},
	}
	return cmd
}
