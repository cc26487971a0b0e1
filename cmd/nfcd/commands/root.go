// This file is part of nfcd.
// SPDX-License-Identifier: AGPL3.0-or-later

// Package commands implements the nfcd command-line interface with cobra,
// following the same root-command-plus-subcommands layout used elsewhere
// in the examined stack for daemon CLIs.
package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "nfcd",
	Short: "NFC Forum LLCP/SNEP peer-to-peer daemon",
	Long: "nfcd runs one NFC Forum LLCP 1.1 link control engine and its SNEP " +
		"Put server against a MAC transport stand-in.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "configuration file (YAML)")
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
