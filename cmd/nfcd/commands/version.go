// This file is part of nfcd.
// SPDX-License-Identifier: AGPL3.0-or-later

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is nfcd's build version, overridable at build time via ldflags.
var Version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print nfcd build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("nfcd %s\n", Version)
		},
	}
}
