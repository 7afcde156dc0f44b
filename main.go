package main

import "dsdelink/cmd"

func main() {
	cmd.Execute()
}
