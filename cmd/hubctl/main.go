// Package main содержит консольную утилиту оператора хаба.
package main

import (
	"fmt"
	"os"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
