package main

import (
	"os"

	"github.com/LittleBlackStarVisualEffects/ayon-backend/cmd/launcher/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
