package main

import "github.com/avdm/gop2pd/internal/cli"

func main() {
	cli.Execute()
}
