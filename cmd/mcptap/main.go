package main

import "github.com/mcptap/mcptap/cmd/mcptap/cmd"

func main() {
	cmd.Execute()
}
