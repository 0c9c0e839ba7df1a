package main

import "github.com/agentic-research/gridtrace/cmd"

func main() {
	cmd.Execute()
}
