package main

import (
	"github.com/sidkik/livesync/cmd"
	"github.com/sidkik/livesync/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
