package main

import (
	"github.com/spf13/cobra"

	"github.com/aretw0/waypoint/internal/cli"
	"github.com/aretw0/waypoint/internal/presentation/tui"
	httpAdapter "github.com/aretw0/waypoint/pkg/adapters/http"
	"github.com/aretw0/waypoint/pkg/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Serves the chat API: thread history, run and resume (streamed as
Server-Sent Events), health and Prometheus metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		metrics := observability.NewMetrics()
		a, err := openApp(cmd, metrics.Hooks())
		if err != nil {
			return err
		}
		defer a.close(cmd)

		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			a.cfg.Server.Addr = addr
		}
		if err := a.engine.Setup(cmd.Context()); err != nil {
			return err
		}

		handler := httpAdapter.NewHandler(a.engine, a.engine.History(),
			httpAdapter.WithMetrics(metrics.Handler()),
			httpAdapter.WithLogger(a.logger),
			httpAdapter.WithMaxInputSize(a.cfg.Server.MaxInputSize),
		)

		if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
			tui.PrintBanner(cmd.ErrOrStderr())
		}
		sc := cli.NewSignalContext(cmd.Context())
		defer sc.Cancel()
		err = cli.Serve(sc, a.cfg.Server.Addr, handler, a.cfg.Server.ShutdownTimeout, a.logger)
		if sig := sc.Signal(); sig != nil {
			a.logger.Info("received signal", "signal", sig.String())
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().BoolP("quiet", "q", false, "Do not print the banner")
}
