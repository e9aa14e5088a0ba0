// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/autobrr/qui-remote/internal/models"
	"github.com/autobrr/qui-remote/internal/qbittorrent"
)

type profileFlags struct {
	address       string
	username      string
	password      string
	bypassAuth    bool
	tlsSkipVerify bool
}

func (f *profileFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.address, "address", "", "server address, e.g. https://seedbox:8443/qbittorrent")
	cmd.Flags().StringVar(&f.username, "username", "", "WebUI username")
	cmd.Flags().StringVar(&f.password, "password", "", "WebUI password (prompted when omitted)")
	cmd.Flags().BoolVar(&f.bypassAuth, "bypass-auth", false, "skip login, for daemons that whitelist this client")
	cmd.Flags().BoolVar(&f.tlsSkipVerify, "tls-skip-verify", false, "accept any TLS certificate")
}

// profile builds an unsaved profile from the flags, prompting for the
// password when login is required and none was given.
func (f *profileFlags) profile(name string) (*models.ServerProfile, error) {
	profile, err := models.ParseServerAddress(f.address)
	if err != nil {
		return nil, err
	}

	profile.Name = name
	profile.Username = f.username
	profile.Password = f.password
	profile.BypassAuth = f.bypassAuth
	profile.TLSSkipVerify = f.tlsSkipVerify

	if !profile.BypassAuth && profile.Password == "" {
		profile.Password, err = readPassword("Enter password: ")
		if err != nil {
			return nil, err
		}
	}

	return &profile, nil
}

func RunTestCommand(flags *globalFlags) *cobra.Command {
	var (
		profileRef string
		adHoc      profileFlags
	)

	command := &cobra.Command{
		Use:   "test",
		Short: "Test a connection without changing the active server",
		Long: `Log in and probe a server, then print its version and capabilities.

Use --profile for a stored server, or --address with credentials for one
that is not stored yet.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer app.Close()

			var profile *models.ServerProfile
			if adHoc.address != "" {
				profile, err = adHoc.profile("ad-hoc")
			} else {
				profile, err = app.resolveProfile(cmd.Context(), profileRef)
			}
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
			defer cancel()

			info, err := app.NewRemote().Connections.TestConnection(ctx, profile)
			if err != nil {
				return fmt.Errorf("connection to %s failed: %w", profile.Address(), err)
			}

			printAppInfo(cmd.OutOrStdout(), profile, info)
			return nil
		},
	}

	command.Flags().StringVar(&profileRef, "profile", "", "server profile id or name")
	adHoc.register(command)
	command.MarkFlagsMutuallyExclusive("profile", "address")

	return command
}

func printAppInfo(out io.Writer, profile *models.ServerProfile, info *qbittorrent.AppInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Server:\t%s\n", profile.Address())
	fmt.Fprintf(w, "Version:\t%s\n", info.Version)
	fmt.Fprintf(w, "WebAPI:\t%s\n", info.WebAPIVersion)
	if info.BuildInfo != nil {
		fmt.Fprintf(w, "libtorrent:\t%s\n", info.BuildInfo.Libtorrent)
		fmt.Fprintf(w, "Qt:\t%s\n", info.BuildInfo.Qt)
	}

	caps := info.Capabilities
	fmt.Fprintf(w, "Subcategories:\t%t\n", caps.Subcategories)
	fmt.Fprintf(w, "Set tags:\t%t\n", caps.SetTags)
	fmt.Fprintf(w, "Torrent creation:\t%t\n", caps.TorrentCreation)
	fmt.Fprintf(w, "Torrent export:\t%t\n", caps.TorrentExport)
	fmt.Fprintf(w, "Temp path:\t%t\n", caps.TorrentTmpPath)
}
