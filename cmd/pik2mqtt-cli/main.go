package main

import (
	"os"

	"github.com/pik2mqtt/pik2mqtt/cmd/pik2mqtt-cli/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
