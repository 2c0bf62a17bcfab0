package main

import (
	"flag"
	"fmt"
	"os"

	"sentinel/pkg/secrets"
)

// Produces a password hash suitable for seeding the auth_admin settings row
// directly, e.g. when provisioning a node without going through the API.
func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Println("Usage: go run scripts/hash-password.go <password>")
		fmt.Println("\nExample:")
		fmt.Println("  go run scripts/hash-password.go \"mysecretpassword\"")
		os.Exit(1)
	}

	hash, err := secrets.HashPassword(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating hash: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
