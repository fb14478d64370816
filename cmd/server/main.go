package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"marketplace-auth/internal/config"
	"marketplace-auth/internal/util"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "marketplace-auth",
		Short:         "OTP verification and request authorization for the marketplace API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	root.AddCommand(serveCmd(), createAdminCmd(), genSigningKeyCmd(), benchHashCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and initialises the global logger from it
func loadConfig() *config.Config {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	config.Set(cfg)
	return cfg
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
