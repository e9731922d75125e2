package main

import "github.com/stormguard/stormguard/internal/cli"

func main() {
	cli.Execute()
}
