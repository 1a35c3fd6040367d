// Package cmd provides the CLI commands for mcptap.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcptap/mcptap/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mcptap",
	Short: "mcptap - observing reverse proxy for MCP servers",
	Long: `mcptap is a JSON-RPC reverse proxy for Model Context Protocol (MCP)
servers. It forwards client exchanges to registered upstreams, records
every request, response, and SSE event to durable per-session capture
logs, and publishes a live event stream for operators.

A codemode endpoint collapses an upstream's tool surface into a single
script-execution tool whose inner calls are dispatched back upstream.

Quick start:
  1. mcptap init-config
  2. mcptap start
  3. POST JSON-RPC to http://127.0.0.1:8080/{server}/mcp

Configuration:
  Config is loaded from mcptap.yaml in the current directory,
  $HOME/.mcptap/, or /etc/mcptap/. Environment variables override
  config values with the MCPTAP_ prefix, e.g. MCPTAP_SERVER_ADDR=:9090.`,
}

// Execute runs the root command. Exit codes: 0 clean, 1 fatal error,
// 2 invalid configuration.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mcptap.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
