package main

import "github.com/nextlevelbuilder/hivemind/cmd"

func main() {
	cmd.Execute()
}
