package main

import "github.com/xsqu1znt/vimcord/cmd"

func main() {
	cmd.Execute()
}
