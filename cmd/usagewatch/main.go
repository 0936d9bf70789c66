package main

import "usagewatch/internal/cli"

func main() {
	cli.Execute()
}
