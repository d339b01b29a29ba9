package main

import "github.com/agentlab/agentlab/internal/cli"

func main() {
	cli.Execute()
}
