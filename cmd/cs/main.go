package main

import (
	"os"

	"github.com/bnema/chatsession/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
