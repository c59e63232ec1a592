package main

import "github.com/kychandar/pollsub/cmd"

func main() {
	cmd.Execute()
}
