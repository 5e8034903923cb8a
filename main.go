package main

import "github.com/nextlevelbuilder/taskfabric/cmd"

func main() {
	cmd.Execute()
}
