package main

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
)

// genhash prints the bcrypt hash of an internal API token so it can be
// placed in INTERNAL_TOKEN_HASH without storing the token itself.
func main() {
	token := os.Getenv("INTERNAL_TOKEN")
	if len(os.Args) > 1 {
		token = os.Args[1]
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "usage: genhash <token> (or set INTERNAL_TOKEN)")
		os.Exit(1)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}
