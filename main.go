package main

import "github.com/ethanolivertroy/cvechain/cmd"

func main() {
	cmd.Execute()
}
