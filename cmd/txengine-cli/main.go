package main

import "wallet-txengine/cmd/txengine-cli/cmd"

func main() {
	cmd.Execute()
}
