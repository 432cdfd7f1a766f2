package main

import (
	"github.com/ioerror/vula/cmd/vula/cmd"
)

func main() {
	cmd.Execute()
}
