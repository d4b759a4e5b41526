package main

import "github.com/kozaktomas/classroll/cmd"

func main() {
	cmd.Execute()
}
