package main

import (
	"fmt"
	"os"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
