package main

import (
	"os"

	"github.com/uniyakcom/pubcap/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
