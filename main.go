package main

import "qqchat/cmd"

func main() {
	cmd.Execute()
}
