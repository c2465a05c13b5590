package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aretw0/databench"
	"github.com/aretw0/databench/pkg/adapters/memory"
)

var analysesCmd = &cobra.Command{
	Use:   "analyses",
	Short: "List the analyses the server would offer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		// Listing never touches stored data.
		opts := append(appOptions(cmd), databench.WithBackend(memory.NewStore()))
		app, err := databench.New(cmd.Context(), cfg, opts...)
		if err != nil {
			return err
		}
		defer app.Close(cmd.Context())

		infos := app.Manager().Analyses()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(infos)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTITLE\tVERSION\tKERNEL")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", info.Name, info.DisplayTitle(), info.Version, info.Kernel)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(analysesCmd)
	analysesCmd.Flags().Bool("json", false, "Print JSON instead of a table")
}
