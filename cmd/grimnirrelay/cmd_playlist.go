/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/grimnir_relay/internal/playlist"
)

var playlistCmd = &cobra.Command{
	Use:   "playlist",
	Short: "Playlist document tools",
}

var playlistCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Parse a playlist document and print its items",
	Long: `Parse a playlist document the way a channel would and print the
resulting items with their resolved start times and durations.

Examples:
  grimnirrelay playlist check /srv/playlists/lobby.xml
`,
	Args: cobra.ExactArgs(1),
	RunE: runPlaylistCheck,
}

func init() {
	playlistCmd.AddCommand(playlistCheckCmd)
	rootCmd.AddCommand(playlistCmd)
}

func runPlaylistCheck(cmd *cobra.Command, args []string) error {
	pl, err := playlist.ParseFile(args[0], time.Now(), zerolog.Nop())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tID\tSTART\tDURATION\tSEEK\tSOURCE")
	for i, item := range pl.Items() {
		start := "after previous"
		if !item.StartImmediate {
			start = item.Start.Format(time.RFC3339)
		}
		duration := item.Duration.String()
		switch {
		case item.DurationFull:
			duration = "full"
		case item.DurationDefault:
			duration = "until end"
		}
		spec, isChain := item.Source()
		if isChain {
			spec = "chain: " + spec
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", i+1, item.ID, start, duration, item.Seek, spec)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d items\n", pl.Len())
	return nil
}
