// This file is part of nfcd.
// SPDX-License-Identifier: AGPL3.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/sailfishos/nfcd/cmd/nfcd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
