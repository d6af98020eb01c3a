package main

import (
	"os"

	"github.com/fzft/go-echo-mux/cmd"
)

func main() {
	if err := cmd.Execute(Version()); err != nil {
		os.Exit(1)
	}
}
