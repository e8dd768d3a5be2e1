package main

import (
	"fmt"

	"github.com/appyard/appyard/auth"
)

func main() {
	pub, priv, err := auth.GenKeypair()
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	fmt.Printf("# pool server (appyardd):\n")
	fmt.Printf("APPYARD_PUBLIC_KEY=%s\n", pub)
	fmt.Printf("# pool clients keep the private key:\n")
	fmt.Printf("APPYARD_PRIVATE_KEY=%s\n", priv)
}
