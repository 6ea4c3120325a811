package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spicemcp/spice/cli"
)

func main() {
	cmd := cli.RootCmd()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
