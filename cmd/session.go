package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/bnema/chatsession/internal/application"
	"github.com/bnema/chatsession/internal/domain"
	"github.com/spf13/cobra"
)

// The session commands work on the stored files directly. Run them while
// no server owns the database.
func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage stored sessions",
	}

	cmd.AddCommand(
		newSessionListCmd(a),
		newSessionAddCmd(a),
		newSessionRemoveCmd(a),
		newSessionShowCmd(a),
		newSessionParamsCmd(a),
	)
	return cmd
}

func newSessionListCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			indexes := a.listIndexes(cmd)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), indexes)
			}
			if len(indexes) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tTYPE\tLEVEL")
			for _, index := range indexes {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", index.ID, index.Type, index.Level)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print sessions as JSON")
	return cmd
}

func newSessionAddCmd(a *app) *cobra.Command {
	var (
		sessionType string
		params      map[string]string
	)

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Create a session; it starts on the next serve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := a.catalog()
			if err != nil {
				return err
			}
			index, _, err := application.PrepareIndex(catalog, args[0], sessionType, params)
			if err != nil {
				return err
			}
			if err := a.repo.Create(cmd.Context(), index); err != nil {
				return fmt.Errorf("create session: %w", err)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "session %s created (type %s, level %d)\n", index.ID, index.Type, index.Level)
			return err
		},
	}

	cmd.Flags().StringVar(&sessionType, "type", "", "Session type (a directory of the text path)")
	cmd.Flags().StringToStringVar(&params, "param", nil, "Session param as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newSessionRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Archive a session directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archived, err := a.repo.Archive(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "session %s archived to %s\n", args[0], archived)
			return err
		},
	}
}

func newSessionShowCmd(a *app) *cobra.Command {
	var (
		memoOnly bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print the stored conversation of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.findIndex(cmd, args[0]); err != nil {
				return err
			}

			conv, err := a.repo.Store(args[0]).Load(cmd.Context())
			if errors.Is(err, domain.ErrNotFound) {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "no conversation yet")
				return err
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch {
			case memoOnly:
				_, err = fmt.Fprintln(out, conv.Memo)
				return err
			case asJSON:
				return writeJSON(out, conv)
			}
			return writeTranscript(out, conv)
		},
	}

	cmd.Flags().BoolVar(&memoOnly, "memo", false, "Print only the memo")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the whole conversation as JSON")
	return cmd
}

func newSessionParamsCmd(a *app) *cobra.Command {
	var params map[string]string

	cmd := &cobra.Command{
		Use:   "params <id>",
		Short: "Update session params",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := a.findIndex(cmd, args[0])
			if err != nil {
				return err
			}
			catalog, err := a.catalog()
			if err != nil {
				return err
			}
			tmpl, ok := catalog.Get(index.Type)
			if !ok {
				return fmt.Errorf("session type %q: %w", index.Type, domain.ErrNotFound)
			}

			next, err := application.ApplyParams(tmpl, index, params)
			if err != nil {
				return err
			}
			if err := a.repo.SaveIndex(cmd.Context(), next); err != nil {
				return fmt.Errorf("save session index: %w", err)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "session %s updated (level %d)\n", next.ID, next.Level)
			return err
		},
	}

	cmd.Flags().StringToStringVar(&params, "param", nil, "Session param as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("param")
	return cmd
}

// listIndexes logs unreadable session directories and returns the rest.
func (a *app) listIndexes(cmd *cobra.Command) []domain.SessionIndex {
	indexes, errs := a.repo.List(cmd.Context())
	for _, err := range errs {
		a.logger.Warn("skipping unreadable session", "error", err)
	}
	return indexes
}

func (a *app) findIndex(cmd *cobra.Command, id string) (domain.SessionIndex, error) {
	for _, index := range a.listIndexes(cmd) {
		if index.ID == id {
			return index, nil
		}
	}
	return domain.SessionIndex{}, fmt.Errorf("session %q: %w", id, domain.ErrNotFound)
}

func writeTranscript(w io.Writer, conv *domain.Conversation) error {
	if conv.Memo != "" {
		if _, err := fmt.Fprintf(w, "memo:\n%s\n\n", conv.Memo); err != nil {
			return err
		}
	}
	for _, m := range conv.Messages {
		if m.Flag(domain.RemarkHandshake) {
			continue
		}
		label := string(m.Sender)
		if m.Flag(domain.RemarkInherit) {
			label += " (inherited)"
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", label, m.Content); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "\n%d tokens, pointer %s\n", conv.Tokens, conv.Pointer.Status)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
