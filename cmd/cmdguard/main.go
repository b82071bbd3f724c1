package main

import "cmdguard/internal/cli"

func main() {
	cli.Execute()
}
