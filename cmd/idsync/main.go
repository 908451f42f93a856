package main

import (
	"context"
	"os"

	"github.com/isometry/idsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), cli.NewRootCommand()))
}
