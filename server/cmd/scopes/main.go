package main

import "gitlab.com/shar-workflow/shar-scopes/server/commands"

func main() {
	commands.Execute()
}
