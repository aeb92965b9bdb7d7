package main

import "github.com/edwinchan129/texbot/cmd"

func main() {
	cmd.Execute()
}
