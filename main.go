package main

import "modelearth/pipeline/cmd"

func main() {
	cmd.Execute()
}
