package main

import "github.com/CodeMeAPixel/Pixie-Bot/cmd"

func main() {
	cmd.Execute()
}
