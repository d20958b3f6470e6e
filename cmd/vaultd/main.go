package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "vaultd",
	Short: "Personal document archive with semantic search",
	Long: `vaultd watches an inbox for dropped documents, archives them with
durable metadata, and makes everything searchable by meaning through a
local embedding model. Nothing leaves the machine.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the vaultd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vaultd version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
