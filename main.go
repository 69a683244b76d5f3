package main

import "github.com/drover-dl/drover/cmd"

func main() {
	cmd.Execute()
}
