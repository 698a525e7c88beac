package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/bnema/chatsession/internal/adapters/httpapi"
	"github.com/bnema/chatsession/internal/adapters/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run every stored session and serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := prometheus.NewRegistry()
			registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			recorder, err := metrics.NewRecorder("", registry)
			if err != nil {
				return err
			}

			manager, err := a.manager(ctx, recorder)
			if err != nil {
				return err
			}
			defer manager.Close()

			if addr == "" {
				addr = a.cfg.GetString(httpapi.AddrKey)
			}
			l, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}

			server := httpapi.NewServer(manager,
				httpapi.WithLogger(a.logger),
				httpapi.WithMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
			)
			return server.Serve(ctx, l)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default "+httpapi.DefaultAddr+")")
	return cmd
}
