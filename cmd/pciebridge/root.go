package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any
// subcommands.
var rootCmd = &cobra.Command{
	Use:   "pciebridge",
	Short: "pciebridge bridges guest transactions to a PCIe device model.",
	Long: `pciebridge is a transaction-layer bridge between a guest and a ` +
		`simulated PCIe device. It can decode raw transaction-layer packets ` +
		`(decode) and run a self-contained bridged device exercising the ` +
		`full transaction path (demo).`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	cobra.OnInitialize(loadEnv)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadEnv reads policy overrides from a .env file, if one exists, and
// the process environment.
func loadEnv() {
	_ = godotenv.Load()
}

// envDuration reads a duration override from the environment.
func envDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
