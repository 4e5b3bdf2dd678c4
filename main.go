package main

import "github.com/simpasskr/chatgate/cmd"

func main() {
	cmd.Execute()
}
