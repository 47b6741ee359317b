package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/waypoint/internal/cli"
	"github.com/aretw0/waypoint/internal/presentation/tui"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List a user's threads, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		page, _ := cmd.Flags().GetInt("page")
		size, _ := cmd.Flags().GetInt("page-size")
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close(cmd)

		total, items, err := a.engine.History().ListThreadsForUser(cmd.Context(), userID, page, size)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd, map[string]any{"total_cnt": total, "history": items})
		}
		if page < 1 {
			page = 1
		}
		return render(cmd, tui.ThreadsMarkdown(total, page, items))
	},
}

var threadCmd = &cobra.Command{
	Use:   "thread <thread-id>",
	Short: "Show the messages of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close(cmd)

		entries, err := a.engine.History().GetThreadDetail(cmd.Context(), userID, args[0])
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd, entries)
		}
		return render(cmd, tui.ThreadMarkdown(args[0], entries))
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <thread-id>...",
	Short: "Delete one or more threads",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close(cmd)

		var failed int
		for _, threadID := range args {
			if err := a.engine.DeleteThread(cmd.Context(), userID, threadID); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error removing '%s': %v\n", threadID, err)
				failed++
				continue
			}
			cli.PrintSystemMessage(cmd.OutOrStdout(), "Removed thread '%s'", threadID)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d threads not removed", failed, len(args))
		}
		return nil
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func render(cmd *cobra.Command, markdown string) error {
	out, err := tui.NewRenderer()(markdown)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

func init() {
	for _, c := range []*cobra.Command{threadsCmd, threadCmd, rmCmd} {
		c.Flags().StringP("user", "u", "", "Owner of the threads")
		_ = c.MarkFlagRequired("user")
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{threadsCmd, threadCmd} {
		c.Flags().Bool("json", false, "Print JSON instead of rendered markdown")
	}
	threadsCmd.Flags().Int("page", 1, "Page number")
	threadsCmd.Flags().Int("page-size", 10, "Threads per page")
}
