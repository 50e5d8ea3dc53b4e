package main

import (
	"os"

	"github.com/wachy-project/wachy/cmd/wachy/cli"
)

func main() {
	os.Exit(cli.Execute())
}
