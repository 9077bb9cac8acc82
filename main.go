package main

import "wolf/cmd"

func main() {
	cmd.Execute()
}
