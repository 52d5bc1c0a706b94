package main

import "github.com/gatesight/facecount/cmd"

func main() {
	cmd.Execute()
}
