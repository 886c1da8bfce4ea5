package main

import "gasguard/internal/cli"

func main() {
	cli.Execute()
}
