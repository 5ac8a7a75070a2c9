package main

import (
	"os"

	_ "github.com/joho/godotenv/autoload"

	"ingestor/cmd/ingestor/commands"
)

func main() {
	if err := commands.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
