package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/dhcgn/om-intake/cmd"
)

func main() {
	// An interrupt stops the run before the next message.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
