package main

import "github.com/Brownie44l1/fer-api/internal/cli"

func main() {
	cli.Execute()
}
