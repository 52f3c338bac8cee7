package main

import (
	"fmt"
	"os"
)

var osExit = os.Exit

func main() {
	if err := newRootCmd(os.Stdout, runEngine).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		osExit(1)
	}
}
