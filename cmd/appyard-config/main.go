package main

import (
	"fmt"
	"os"

	"github.com/appyard/appyard/config"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <--root|--version>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  --root     print the installation root\n")
	fmt.Fprintf(os.Stderr, "  --version  print the version\n")
	os.Exit(1)
}

func main() {
	if len(os.Args) != 2 {
		usage()
	}

	switch os.Args[1] {
	case "--root":
		fmt.Println(config.Root())
	case "--version":
		fmt.Println(config.Version)
	default:
		usage()
	}
}
