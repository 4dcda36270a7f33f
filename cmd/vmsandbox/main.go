// Package main is the entry point for vmsandbox.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/javanstorm/vmsandbox/internal/cli"

	// Sandbox drivers.
	_ "github.com/javanstorm/vmsandbox/internal/provision/docker"
	_ "github.com/javanstorm/vmsandbox/internal/provision/hypervisor"
	_ "github.com/javanstorm/vmsandbox/internal/provision/local"
	_ "github.com/javanstorm/vmsandbox/internal/provision/sshguest"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx)
	stop()

	if err != nil {
		var exit *cli.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
