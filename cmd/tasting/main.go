package main

import (
	"errors"
	"fmt"
	"os"

	"tasting/cmd/internal/cli"
)

func main() {
	if err := cli.NewRootCommand(nil).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tasting:", err)
		if errors.Is(err, cli.ErrDenied) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}
