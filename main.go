package main

import "github.com/agentic-research/federa/cmd"

func main() {
	cmd.Execute()
}
