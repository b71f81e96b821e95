package main

import (
	"os"

	"silentnas/cmd/silent-nas/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
