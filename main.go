package main

import "github.com/nextlevelbuilder/avitobridge/cmd"

func main() {
	cmd.Execute()
}
