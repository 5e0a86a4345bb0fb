package main

import (
	"context"
	"os"

	"rinha-payment-pipeline/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
