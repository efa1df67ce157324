package main

import (
	"os"

	"github.com/apex/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
