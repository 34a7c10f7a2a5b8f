package main

import "github.com/berth-dev/autopilot/internal/cli"

func main() {
	cli.Execute()
}
