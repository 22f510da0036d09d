package main

import (
	"github.com/modsync/modsync/cmd"
	"github.com/modsync/modsync/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
