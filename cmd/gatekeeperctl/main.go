package main

import "github.com/triage-ai/gatekeeper/internal/cli"

func main() {
	cli.Execute()
}
