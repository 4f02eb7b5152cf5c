package main

import "github.com/quakearchive/demobot/cmd/demobot"

func main() {
	demobot.Execute()
}
