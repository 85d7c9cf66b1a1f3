/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package main

import (
	"os"

	"github.com/cortexos/cortexos/cmd/cortexd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
