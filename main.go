package main

import (
	"os"

	"github.com/primecfo/qbo-connect/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
