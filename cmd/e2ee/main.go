package main

import (
	"os"

	"github.com/element-hq/element-android-sub023/cmd/e2ee/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
