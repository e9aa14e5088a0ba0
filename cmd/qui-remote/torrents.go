// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/autobrr/qui-remote/internal/qbittorrent"
)

func RunTorrentsCommand(flags *globalFlags) *cobra.Command {
	var (
		profileRef string
		query      qbittorrent.TorrentQuery
		asJSON     bool
	)

	command := &cobra.Command{
		Use:   "torrents",
		Short: "Sync once and print the torrents of a server",
		Long: `Connect, fetch a full snapshot and print the torrents that match the filters.

--expr takes a boolean expression over torrent fields, for example:
  qui-remote torrents --expr 'Ratio >= 2 && Category == "movies"'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer app.Close()

			profile, err := app.resolveProfile(cmd.Context(), profileRef)
			if err != nil {
				return err
			}

			remote := app.NewRemote()
			defer func() {
				ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownTimeout)
				defer cancel()
				remote.Close(ctx)
			}()

			ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
			defer cancel()

			if err := app.connect(ctx, remote, profile); err != nil {
				return err
			}

			if err := remote.Sync.ForceRefresh(ctx); err != nil {
				return fmt.Errorf("failed to sync torrents: %w", err)
			}

			view := remote.Sync.View()
			log.Debug().Int64("rid", view.Rid).Int("torrents", len(view.Torrents)).Msg("Snapshot fetched")

			result, err := remote.Filter.Query(view, query)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			printTorrents(cmd.OutOrStdout(), result)
			return nil
		},
	}

	command.Flags().StringVar(&profileRef, "profile", "", "server profile id or name (default is the active server)")
	command.Flags().StringVar(&query.Filters.Search, "search", "", "match names by substring, words, glob or fuzzy search")
	command.Flags().StringSliceVar(&query.Filters.Status, "status", nil, "status filters, e.g. downloading,seeding,stopped,errored")
	command.Flags().StringSliceVar(&query.Filters.Categories, "category", nil, "categories to include (empty string for uncategorized)")
	command.Flags().StringSliceVar(&query.Filters.Tags, "tag", nil, "tags to include (empty string for untagged)")
	command.Flags().StringVar(&query.Filters.Expr, "expr", "", "boolean filter expression over torrent fields")
	command.Flags().StringVar(&query.Sort, "sort", "", "sort field: name, size, progress, ratio, added_on, state (default name, or relevance with --search)")
	command.Flags().StringVar(&query.Order, "order", "asc", "sort order: asc or desc")
	command.Flags().IntVar(&query.Limit, "limit", 0, "maximum number of torrents to print (0 for all)")
	command.Flags().IntVar(&query.Offset, "offset", 0, "number of torrents to skip")
	command.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	return command
}

func printTorrents(out io.Writer, result *qbittorrent.QueryResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "HASH\tNAME\tSTATE\tPROGRESS\tSIZE\tDOWN\tUP\tRATIO\tCATEGORY\t")
	for _, torrent := range result.Torrents {
		hash := torrent.Hash
		if len(hash) > 8 {
			hash = hash[:8]
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%s\t%s/s\t%s/s\t%.2f\t%s\t\n",
			hash,
			torrent.Name,
			torrent.State,
			torrent.Progress*100,
			humanize.IBytes(uint64(max(torrent.Size, 0))),
			humanize.IBytes(uint64(max(torrent.DlSpeed, 0))),
			humanize.IBytes(uint64(max(torrent.UpSpeed, 0))),
			torrent.Ratio,
			torrent.Category,
		)
	}
	w.Flush()

	if result.Stats != nil {
		fmt.Fprintf(out, "\n%d of %d torrents, %s total, %s/s down, %s/s up\n",
			len(result.Torrents),
			result.Total,
			humanize.IBytes(uint64(max(result.Stats.TotalSize, 0))),
			humanize.IBytes(uint64(max(result.Stats.TotalDownloadSpeed, 0))),
			humanize.IBytes(uint64(max(result.Stats.TotalUploadSpeed, 0))),
		)
	}
}
