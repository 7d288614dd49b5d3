package main

import "github.com/runbox/runbox/cmd"

func main() {
	cmd.Execute()
}
