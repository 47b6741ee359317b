package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/aretw0/waypoint/internal/presentation/graph"
)

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Export the executor graph",
	Long: `Outputs the permitted transitions of the executor as Graphviz DOT (default)
or a Mermaid flowchart. With --thread, the Mermaid output highlights the
nodes the thread visited and where it is now.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		userID, _ := cmd.Flags().GetString("user")
		threadID, _ := cmd.Flags().GetString("thread")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.close(cmd)

		switch format {
		case "dot":
			fmt.Fprint(cmd.OutOrStdout(), a.engine.Graph())
			return nil
		case "mermaid":
		default:
			return fmt.Errorf("unknown format %q: use dot or mermaid", format)
		}

		var overlay *graph.GraphOverlay
		if threadID != "" {
			overlay = &graph.GraphOverlay{}
			for tuple, err := range a.engine.Checkpoints(cmd.Context(), userID, threadID, 0, nil) {
				if err != nil {
					return err
				}
				node, _ := tuple.Metadata["node"].(string)
				if overlay.CurrentNode == "" {
					if writes, ok := tuple.Metadata["writes"].(map[string]any); ok {
						overlay.CurrentNode, _ = writes[node].(string)
					}
				}
				overlay.VisitedNodes = append(overlay.VisitedNodes, node)
			}
			slices.Reverse(overlay.VisitedNodes)
		}
		fmt.Fprint(cmd.OutOrStdout(), graph.GenerateMermaid(a.engine.Edges(), overlay))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().StringP("format", "f", "dot", "Output format: dot or mermaid")
	graphCmd.Flags().StringP("user", "u", "", "Owner of --thread")
	graphCmd.Flags().String("thread", "", "Overlay the progress of this thread (mermaid only)")
}
