package main

import (
	"fmt"
	"os"
	_ "time/tzdata"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "covidwatch:", err)
		os.Exit(1)
	}
}
