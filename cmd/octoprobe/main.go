package main

import "github.com/octoprobe/octoprobe/cmd/octoprobe/cmd"

func main() {
	cmd.Execute()
}
