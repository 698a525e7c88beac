package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/bnema/chatsession/internal/adapters/engine/web"
	statusadapter "github.com/bnema/chatsession/internal/adapters/render/status"
	"github.com/bnema/chatsession/internal/domain"
	"github.com/spf13/cobra"
)

func newStatusCmd(a *app) *cobra.Command {
	var (
		withAccounts bool
		level        int
		asJSON       bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored sessions and, optionally, web engine accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := a.loadReport(cmd)
			if err != nil {
				return err
			}

			if withAccounts {
				client, err := a.webEngine()
				if err != nil {
					return err
				}
				if client == nil {
					return fmt.Errorf("list accounts: %s is not set: %w", web.BaseURLKey, domain.ErrNotFound)
				}
				fetch := func(ctx context.Context) error {
					accounts, err := client.ListAccounts(ctx, level)
					if err != nil {
						return err
					}
					report.Accounts = accounts
					if report.Accounts == nil {
						report.Accounts = []domain.AccountInfo{}
					}
					return nil
				}
				label := fmt.Sprintf("Listing web accounts at %s", a.cfg.GetString(web.BaseURLKey))
				if err := awaitUpstream(cmd.Context(), cmd.ErrOrStderr(), label, fetch); err != nil {
					return fmt.Errorf("list accounts: %w", err)
				}
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}

			rendered, err := a.statusRenderer(report)
			if err != nil {
				return fmt.Errorf("render status: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().BoolVar(&withAccounts, "accounts", false, "Also list web engine accounts")
	cmd.Flags().IntVar(&level, "level", 0, "Minimum account level when listing accounts")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func (a *app) loadReport(cmd *cobra.Command) (statusadapter.Report, error) {
	var report statusadapter.Report
	for _, index := range a.listIndexes(cmd) {
		conv, err := a.repo.Store(index.ID).Load(cmd.Context())
		switch {
		case errors.Is(err, domain.ErrNotFound):
			conv = nil
		case err != nil:
			return statusadapter.Report{}, fmt.Errorf("load session %s: %w", index.ID, err)
		}
		report.Sessions = append(report.Sessions, statusadapter.NewSessionRow(index, conv))
	}
	return report, nil
}
