package main

import (
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	// Quiet: the logger is not configured yet and stdout may carry MCP stdio.
	_, _ = maxprocs.Set()
	Execute()
}
