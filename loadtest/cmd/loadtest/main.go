// Package main is the entry point for the Yueling load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: Connection saturation test — registers users and opens N
//     idle authenticated connections
//   - chat:     Full chat lifecycle load test — friend pairs exchange
//     messages over live connections
//
// Both scenarios provision accounts through the REST API. Registration is
// rate limited per source IP, so large runs should be pointed at a server
// with a raised auth limit (or with Redis down, in which case the limiter
// fails open).
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test — opens N idle authenticated connections")
	fmt.Println("  chat        Full chat lifecycle load test — friend pairs exchange messages")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
