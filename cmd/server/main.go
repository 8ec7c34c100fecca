package main

import (
	"fmt"
	"os"

	"github.com/juju/errors"

	"github.com/barcode-drop/backend/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "barcode-drop: %v\n", err)
		if errors.Is(err, errors.NotValid) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
