package main

import "github.com/nextlevelbuilder/clawbridge/cmd"

func main() {
	cmd.Execute()
}
