// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func RunServerCommand(flags *globalFlags) *cobra.Command {
	command := &cobra.Command{
		Use:   "server",
		Short: "Manage stored server profiles",
	}

	command.AddCommand(runServerAddCommand(flags))
	command.AddCommand(runServerListCommand(flags))
	command.AddCommand(runServerRemoveCommand(flags))

	return command
}

func runServerAddCommand(flags *globalFlags) *cobra.Command {
	var (
		name     string
		settings profileFlags
	)

	command := &cobra.Command{
		Use:   "add",
		Short: "Store a new server profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("name cannot be empty")
			}

			app, err := NewApplication(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer app.Close()

			profile, err := settings.profile(name)
			if err != nil {
				return err
			}

			created, err := app.profiles.Create(cmd.Context(), *profile)
			if err != nil {
				return fmt.Errorf("failed to store server profile: %w", err)
			}

			cmd.Printf("Server %q stored with id %d (%s)\n", created.Name, created.ID, created.Address())
			return nil
		},
	}

	command.Flags().StringVar(&name, "name", "", "profile name")
	settings.register(command)
	_ = command.MarkFlagRequired("name")
	_ = command.MarkFlagRequired("address")

	return command
}

func runServerListCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored server profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer app.Close()

			profiles, err := app.profiles.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(profiles) == 0 {
				cmd.Println("No servers stored. Add one with: qui-remote server add --name <name> --address <url>")
				return nil
			}

			activeID, hasActive, err := app.settings.ActiveServer(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			defer w.Flush()

			fmt.Fprintln(w, "ID\tNAME\tADDRESS\tUSER\tLAST CONNECTED\t")
			for _, profile := range profiles {
				name := profile.Name
				if hasActive && profile.ID == activeID {
					name += " *"
				}

				user := profile.Username
				if profile.BypassAuth {
					user = "(bypass)"
				}

				lastConnected := "never"
				if profile.LastConnectedAt != nil {
					lastConnected = profile.LastConnectedAt.Local().Format(time.DateTime)
				}

				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t\n", profile.ID, name, profile.Address(), user, lastConnected)
			}
			return nil
		},
	}
}

func runServerRemoveCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id|name>",
		Short: "Delete a stored server profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApplication(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()

			profile, err := app.profiles.Resolve(ctx, args[0])
			if err != nil {
				return err
			}

			if err := app.profiles.Delete(ctx, profile.ID); err != nil {
				return err
			}

			if activeID, ok, err := app.settings.ActiveServer(ctx); err == nil && ok && activeID == profile.ID {
				if err := app.settings.ClearActiveServer(ctx); err != nil {
					return fmt.Errorf("failed to clear active server: %w", err)
				}
			}

			cmd.Printf("Server %q removed\n", profile.Name)
			return nil
		},
	}
}
