package main

import "interview-engine/server/internal/cli"

func main() {
	cli.Execute()
}
