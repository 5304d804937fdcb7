package main

import (
	"errors"
	"fmt"
	"os"

	"runas/internal/cmd"
)

func main() {
	err := cmd.NewRootCmd().Execute()
	if err == nil {
		return
	}
	var exit *cmd.ExitError
	if errors.As(err, &exit) {
		os.Exit(exit.Code)
	}
	fmt.Fprintf(os.Stderr, "runas: %v\n", err)
	os.Exit(1)
}
