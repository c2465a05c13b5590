package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/databench"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of databench",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "databench version %s\n", databench.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
