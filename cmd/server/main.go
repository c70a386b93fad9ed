package main

import (
	"os"

	"github.com/codebuildervaibhav/whisperq/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
