package main

import "github.com/ramiqadoumi/go-case-flow/services/orchestrator/cli"

func main() {
	cli.Execute()
}
