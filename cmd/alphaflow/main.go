package main

import "github.com/quantlab/alphaflow/services/engine/cli"

func main() {
	cli.Execute()
}
