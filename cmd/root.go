package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var configPath string
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "cs",
		Short:         "chatsession (cs): long-lived chat sessions over pooled engines",
		Long:          "cs keeps persistent chat sessions on top of a rate-limited web engine and a hosted completion API, compressing old turns into a memo so a conversation can run forever.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			wired, err := wireApp(configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			*a = *wired
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.chatsession/config.toml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(a),
		newSessionCmd(a),
		newStatusCmd(a),
		newAskCmd(a),
		newKeyCmd(a),
	)

	return rootCmd
}
