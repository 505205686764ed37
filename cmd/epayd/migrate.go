package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"epay-reconciler/internal/config"
	"epay-reconciler/internal/database"
	"epay-reconciler/internal/infrastructure/keystore"
)

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := cfg.Log.NewLogger()
			if err != nil {
				return err
			}
			db, err := database.New(cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.Migrate(cmd.Context(), db.DB()); err != nil {
				return err
			}
			logger.WithField("database", cfg.Database.Database).Info("schema is up to date")
			return nil
		},
	}
}

func checkKeysCmd(configPath *string, keys keystore.Loader) *cobra.Command {
	return &cobra.Command{
		Use:   "check-keys",
		Short: "Load the key stores and print the certificate ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			m, err := keys.Load(cfg.KeyStore)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Merchant certificate: %s (%s)\n", keystore.CertID(m.SigningCert), m.SigningCert.Subject.CommonName)
			fmt.Fprintf(out, "Bank certificate:     %s (%s)\n", keystore.CertID(m.CounterpartyCert), m.CounterpartyCert.Subject.CommonName)
			fmt.Fprintf(out, "Signature algorithm:  %s\n", cfg.Algorithm)
			return nil
		},
	}
}
