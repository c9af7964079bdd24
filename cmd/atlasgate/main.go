package main

import (
	"os"

	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
