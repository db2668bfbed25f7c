// Package main provides the entry point for the swarm CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/swarm-dev/swarm/internal/cli"
	swarmerrors "github.com/swarm-dev/swarm/internal/errors"
)

func main() {
	err := cli.Execute()
	if err == nil {
		os.Exit(0)
	}
	if errors.Is(err, cli.ErrEscalated) {
		os.Exit(2)
	}
	var se *swarmerrors.SwarmError
	if errors.As(err, &se) {
		fmt.Fprintln(os.Stderr, se.UserMessage())
	} else {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(1)
}
