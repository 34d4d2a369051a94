package main

import "github.com/TFMV/beamdrop/cmd"

func main() {
	cmd.Execute()
}
