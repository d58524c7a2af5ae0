package main

import "wirelesspaxos/cmd"

func main() {
	cmd.Execute()
}
