package main

import (
	"os"

	"github.com/testkit-dev/testkit/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
