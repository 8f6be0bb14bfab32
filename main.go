package main

import "github.com/andresmejia3/cvdescent/cmd"

func main() {
	cmd.Execute()
}
