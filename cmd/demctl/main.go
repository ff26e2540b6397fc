package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/serebryakov7/j1708-dem/cmd/demctl/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	cmd.Execute(ctx)
}
