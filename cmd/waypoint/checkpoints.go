package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <thread-id>",
	Short: "List the checkpoints of a thread, newest first",
	Long: `Lists checkpoints with the node that produced them and where it directed
the run. --filter narrows by metadata, e.g. --filter source=loop --filter node=search.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")
		raw, _ := cmd.Flags().GetStringToString("filter")

		filter := make(map[string]any, len(raw))
		for k, v := range raw {
			filter[k] = v
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close(cmd)

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CHECKPOINT\tSTEP\tSOURCE\tNODE\tGOTO\tTIME")
		for tuple, err := range a.engine.Checkpoints(cmd.Context(), userID, args[0], limit, filter) {
			if err != nil {
				return err
			}
			md := tuple.Metadata
			node, _ := md["node"].(string)
			var target string
			if writes, ok := md["writes"].(map[string]any); ok {
				target, _ = writes[node].(string)
			}
			fmt.Fprintf(tw, "%s\t%v\t%v\t%s\t%s\t%s\n",
				tuple.Key.CheckpointID, md["step"], md["source"], node, target,
				tuple.Checkpoint.Timestamp.Local().Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.Flags().StringP("user", "u", "", "Owner of the thread")
	checkpointsCmd.Flags().Int("limit", 0, "Maximum checkpoints to list (0 = all)")
	checkpointsCmd.Flags().StringToString("filter", nil, "Metadata filter key=value (repeatable)")
}
