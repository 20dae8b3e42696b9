package main

import "github.com/nextlevelbuilder/taskgrid/cmd"

func main() {
	cmd.Execute()
}
