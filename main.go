package main

import "github.com/BioHazard786/meshrelay/cmd"

func main() {
	cmd.Execute()
}
