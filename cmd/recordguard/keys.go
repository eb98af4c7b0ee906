package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/recordguard/recordguard/internal/vault"
)

func cmdKeys(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: recordguard keys <list|set|delete> [name]")
		os.Exit(1)
	}

	v := vault.New()

	switch args[0] {
	case "list":
		names, err := v.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error listing keys: %v\n", err)
			os.Exit(1)
		}
		if len(names) == 0 {
			fmt.Println("No keys stored")
			return
		}
		for _, n := range names {
			fmt.Printf("  %s: ****\n", n)
		}

	case "set":
		if len(args) < 2 {
			fmt.Println("Usage: recordguard keys set <name>")
			os.Exit(1)
		}
		name := strings.ToLower(args[1])
		fmt.Printf("Enter value for %s: ", name)
		secret, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading key: %v\n", err)
			os.Exit(1)
		}
		if err := v.Set(name, string(secret)); err != nil {
			fmt.Fprintf(os.Stderr, "error storing key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Key for %s stored successfully\n", name)

	case "delete":
		if len(args) < 2 {
			fmt.Println("Usage: recordguard keys delete <name>")
			os.Exit(1)
		}
		name := strings.ToLower(args[1])
		if err := v.Delete(name); err != nil {
			fmt.Fprintf(os.Stderr, "error deleting key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Key for %s deleted\n", name)

	default:
		fmt.Fprintf(os.Stderr, "unknown keys command: %s\n", args[0])
		os.Exit(1)
	}
}
