package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nbot/orchestrator/internal/config"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "nbotctl",
	Short: "nbotctl is the nBot multi-tenant chat-bot orchestrator CLI",
	Long:  "nbotctl provisions per-bot side-car containers, manages plugins, and reports environment health for the nBot orchestrator.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.json or $NBOT_CONFIG)")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(botCmd())
	rootCmd.AddCommand(pluginCmd())
	rootCmd.AddCommand(serveCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nbotctl %s\n", Version)
		},
	}
}

func loadConfig() (*config.Config, error) {
	path := config.ResolveConfigPath(cfgFile)
	return config.Load(path)
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
