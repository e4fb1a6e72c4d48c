package main

import "github.com/bridgekit/dmgate/cmd"

func main() {
	cmd.Execute()
}
