package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vango-go/studylive/pkg/gateway/config"
	"github.com/vango-go/studylive/pkg/usage"
)

type identityFlags struct {
	user   string
	token  string
	device string
	ip     string
}

func (f *identityFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.user, "user", "", "signed-in user id")
	cmd.Flags().StringVar(&f.token, "token", "", "guest session token")
	cmd.Flags().StringVar(&f.device, "device", "", "guest device fingerprint")
	cmd.Flags().StringVar(&f.ip, "ip", "", "guest client IP")
}

func (f identityFlags) identity() (usage.Identity, error) {
	return usage.ResolveIdentity(usage.IdentityInput{
		UserID:            f.user,
		SessionToken:      f.token,
		DeviceFingerprint: f.device,
		ClientIP:          f.ip,
	})
}

func newUsageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Inspect or reset the usage ledger for one identity",
	}
	cmd.AddCommand(newUsageStatusCmd(), newUsageResetCmd())
	return cmd
}

func newUsageStatusCmd() *cobra.Command {
	var flags identityFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the current period's usage as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := flags.identity()
			if err != nil {
				return err
			}
			ledger, cleanup, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			st, err := ledger.Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Identity string       `json:"identity"`
				Kind     string       `json:"kind"`
				Usage    usage.Status `json:"usage"`
			}{id.Key, string(id.Kind), st})
		},
	}
	flags.bind(cmd)
	return cmd
}

func newUsageResetCmd() *cobra.Command {
	var flags identityFlags
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the current period's usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := flags.identity()
			if err != nil {
				return err
			}
			ledger, cleanup, err := openLedger(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := ledger.Reset(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset usage for %s\n", id.Key)
			return nil
		},
	}
	flags.bind(cmd)
	return cmd
}

// openLedger builds the configured ledger. The in-memory backend is refused
// since it would only ever see this process.
func openLedger(cmd *cobra.Command) (*usage.Ledger, func(), error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.LedgerBackend == config.LedgerMemory {
		return nil, nil, errors.New("usage commands need STUDYLIVE_LEDGER_BACKEND=redis or postgres")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rt := &runtime{}
	pool, err := openPool(cmd.Context(), cfg, rt)
	if err != nil {
		return nil, nil, err
	}
	ledger, err := buildLedger(cmd.Context(), cfg, pool, logger, rt)
	if err != nil {
		rt.close()
		return nil, nil, err
	}
	return ledger, rt.close, nil
}
