package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/florianilch/keysync/cmd/keysync/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "keysync:", err)
		stop()
		os.Exit(1)
	}
}
