package cmd

import (
	"fmt"

	"github.com/bnema/chatsession/internal/domain"
	"github.com/bnema/chatsession/internal/ports"
	"github.com/spf13/cobra"
)

// Key refs listed under engines.hosted.keys name entries of this store.
func newKeyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage hosted engine API keys",
	}

	cmd.AddCommand(newKeySetCmd(a), newKeyDeleteCmd(a), newKeyListCmd(a))
	return cmd
}

func newKeySetCmd(a *app) *cobra.Command {
	var value string

	cmd := &cobra.Command{
		Use:   "set <ref>",
		Short: "Store an API key under ref",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.secrets.Put(cmd.Context(), args[0], value); err != nil {
				return fmt.Errorf("store key %s: %w", args[0], err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "key %s stored\n", args[0])
			return err
		},
	}

	cmd.Flags().StringVar(&value, "value", "", "API key value")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func newKeyDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <ref>",
		Short: "Delete a stored API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.secrets.Delete(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("delete key %s: %w", args[0], err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "key %s deleted\n", args[0])
			return err
		},
	}
}

func newKeyListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored key refs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lister, ok := a.secrets.(ports.SecretLister)
			if !ok {
				return fmt.Errorf("list keys: the configured secret backend cannot enumerate keys: %w", domain.ErrNotImplemented)
			}
			refs, err := lister.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(refs) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no keys")
				return err
			}
			for _, ref := range refs {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), ref); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
