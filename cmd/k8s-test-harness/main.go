package main

import (
	"os"

	"github.com/canonical/k8s-test-harness/pkg/harnessctl/cmd"
)

func main() {
	if err := cmd.NewHarnessCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
