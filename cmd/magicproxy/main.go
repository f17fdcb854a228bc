// Package main is the entry point for the magicproxy command-line tool.
package main

import (
	"os"

	"github.com/rienafairefr/secure-api-proxy/internal/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
