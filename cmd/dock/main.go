package main

import (
	"os"

	"github.com/alvesdmateus/dock/internal/cli/commands"
)

func main() {
	os.Exit(commands.Execute())
}
