package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"gwi.com/rag-gateway/internal/config"
)

func main() {
	// .env must be loaded before flags are bound: flag defaults come from the environment.
	config.LoadDotEnv()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}
