package main

import "github.com/nhirsama/oslp-adapter/cli"

func main() {
	cli.Run()
}
