package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/denismitr/dram/internal/cli"
	"github.com/logrusorgru/aurora/v3"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	color := isatty.IsTerminal(os.Stderr.Fd())
	stdout := colorable.NewColorable(os.Stdout)
	stderr := colorable.NewColorable(os.Stderr)

	err := cli.Execute(ctx, os.Args[1:], stdout, stderr, color)
	stop()

	if err != nil {
		au := aurora.NewAurora(color)
		fmt.Fprintf(stderr, "%s %v\n", au.Red("dram:"), err)
		os.Exit(1)
	}
}
