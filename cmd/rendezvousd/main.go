// Package main provides the CLI entry point for the rendezvous daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "rendezvousd",
		Short: "rendezvous - CurveCP secure channels and directory lookup",
		Long: `rendezvousd runs a secure-channel host that speaks CurveCP's
Hello/Cookie/Initiate/Message handshake to other hosts, and optionally
registers its reachability with a directory server so peers can find it
by identity or by searchable profile keywords.`,
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "directory", Title: "Directory Operations:"})

	keygen := keygenCmd()
	keygen.GroupID = "start"
	rootCmd.AddCommand(keygen)

	profile := profileCmd()
	profile.GroupID = "start"
	rootCmd.AddCommand(profile)

	run := runCmd()
	run.GroupID = "start"
	rootCmd.AddCommand(run)

	register := registerCmd()
	register.GroupID = "directory"
	rootCmd.AddCommand(register)

	lookup := lookupCmd()
	lookup.GroupID = "directory"
	rootCmd.AddCommand(lookup)

	search := searchCmd()
	search.GroupID = "directory"
	rootCmd.AddCommand(search)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
