package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"epay-reconciler/internal/infrastructure/keystore"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "epayd",
		Short:         "epay gateway payment service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (env variables win)")

	keys := keystore.NewLoader()
	rootCmd.AddCommand(serveCmd(&configPath, keys))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(checkKeysCmd(&configPath, keys))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
