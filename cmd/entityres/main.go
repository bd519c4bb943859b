// Command entityres runs the entity resolution service and offers local
// administration commands against the configured registry.
//
// Configuration comes from ENTITYRES_* environment variables, optionally
// seeded from a .env file (see --env-file).
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/scrypster/entityres/internal/config"
)

var (
	envFile    string
	jsonOutput bool

	cfg *config.Config
	log *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:           "entityres",
	Short:         "Resolve free-text entity references to canonical records",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(envFile)
		if err != nil {
			return err
		}
		log = config.NewLogger(cfg.Logging, os.Stderr)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
