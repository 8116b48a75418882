package main

import (
	"github.com/knakagaki/gatewarden/cmd/gatewarden/commands"
)

func main() {
	commands.Execute()
}
