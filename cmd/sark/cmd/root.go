// Package cmd provides the CLI commands for the sark gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sark-gateway/sark/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sark",
	Short: "sark - policy enforcement gateway for agent tool calls",
	Long: `sark is a policy enforcement gateway that sits between AI agents and the
tools they call. Every invocation passes through governance controls, budget
and rate checks, and a policy engine before it reaches the backend.

Quick start:
  1. Create a config file: sark.yaml
  2. Run: sark run

Configuration:
  Config is loaded from sark.yaml in the current directory,
  $HOME/.sark/, or /etc/sark/.

  Environment variables can override config values with the SARK_ prefix.
  Example: SARK_SERVER_HTTP_ADDR=:9090

Commands:
  run         Run the gateway server
  hash-pin    Generate an argon2id hash for a password, API key, or PIN
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./sark.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
