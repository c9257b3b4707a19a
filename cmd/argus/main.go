package main

import (
	"os"

	"github.com/argus-triage/argus/cmd/argus/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
