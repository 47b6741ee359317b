package main

import (
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aretw0/waypoint"
	"github.com/aretw0/waypoint/internal/cli"
	"github.com/aretw0/waypoint/internal/presentation/tui"
	"github.com/aretw0/waypoint/pkg/observability"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the planner on a thread",
	Long: `Starts an interactive session: every line is one turn on the thread.
Without --thread a new thread id is generated. Type 'exit' to quit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		threadID, _ := cmd.Flags().GetString("thread")
		headless, _ := cmd.Flags().GetBool("headless")
		trace, _ := cmd.Flags().GetBool("trace")
		debug, _ := cmd.Flags().GetBool("debug")

		var a *app
		var err error
		if debug {
			a, err = openApp(cmd, observability.LogHooks(cli.NewLogger("debug", true)))
		} else {
			a, err = openApp(cmd)
		}
		if err != nil {
			return err
		}
		defer a.close(cmd)

		if threadID == "" {
			threadID = uuid.NewString()
		}
		if !headless {
			tui.PrintBanner(cmd.OutOrStdout())
		}

		sc := cli.NewSignalContext(cmd.Context())
		defer sc.Cancel()

		runner := &waypoint.Runner{
			Input:    cli.NewInterruptibleReader(os.Stdin, sc.Done()),
			Output:   cmd.OutOrStdout(),
			Headless: headless,
			Trace:    trace,
		}
		if !headless {
			runner.Renderer = tui.NewRenderer()
		}
		return cli.HandleExecutionError(runner.Run(sc, a.engine, userID, threadID))
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringP("user", "u", "local", "User id")
	chatCmd.Flags().String("thread", "", "Thread id (default: new thread)")
	chatCmd.Flags().Bool("headless", false, "Plain output for pipes")
	chatCmd.Flags().Bool("trace", false, "Print every executor step")
}
