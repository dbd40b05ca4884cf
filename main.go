// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// mercury236 - Mercury 236 energy meter toolkit
//
// Reads Mercury 236 three-phase energy meters over RS-485, directly or
// through a TCP bus gateway, and reports their measurements.

package main

import (
	"fmt"
	"os"

	"github.com/Thermoquad/mercury236/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
