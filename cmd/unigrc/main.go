package main

import "github.com/clanvaro/unigrc/cmd/unigrc/cmd"

func main() {
	cmd.Execute()
}
