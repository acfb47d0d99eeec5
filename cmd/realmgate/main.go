// Package main is the entry point for the realmgate server.
package main

import (
	"os"

	"github.com/realmgate/realmgate/cmd/realmgate/app"
	"github.com/realmgate/realmgate/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
