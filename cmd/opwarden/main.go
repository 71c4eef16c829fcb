package main

import "github.com/ppiankov/opwarden/internal/cli"

func main() {
	cli.Execute()
}
