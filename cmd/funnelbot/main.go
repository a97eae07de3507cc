package main

import (
	"fmt"
	"os"

	"funnelbot/cmd/funnelbot/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
