// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/autobrr/qui-remote/internal/config"
)

var (
	Version = "dev" // Set via: -X main.Version=v1.2.3
)

type globalFlags struct {
	configDir string
	dataDir   string
	logPath   string
}

func main() {
	config.InitDefaultLogger(Version)

	var flags globalFlags

	var rootCmd = &cobra.Command{
		Use:   "qui-remote",
		Short: "Remote control client for a qBittorrent daemon",
		Long: `qui-remote - connects to a qBittorrent daemon over its WebAPI,
keeps a live mirror of its torrents and survives sleep/wake cycles.`,
		SilenceUsage: true,
	}

	rootCmd.Version = Version

	rootCmd.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "config directory or file path (default is OS-specific: ~/.config/qui-remote/ or %APPDATA%\\qui-remote\\)")
	rootCmd.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "data directory for the database (default is next to config file)")
	rootCmd.PersistentFlags().StringVar(&flags.logPath, "log-path", "", "log file path (default is stdout)")

	rootCmd.AddCommand(RunServeCommand(&flags))
	rootCmd.AddCommand(RunTestCommand(&flags))
	rootCmd.AddCommand(RunServerCommand(&flags))
	rootCmd.AddCommand(RunTorrentsCommand(&flags))
	rootCmd.AddCommand(RunVersionCommand(Version))
	rootCmd.AddCommand(RunGenerateConfigCommand(&flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunVersionCommand(version string) *cobra.Command {
	var command = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of qui-remote",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	return command
}

func RunGenerateConfigCommand(flags *globalFlags) *cobra.Command {
	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		Long: `Generate a default configuration file without connecting anywhere.

If no --config-dir is specified, uses the OS-specific default location:
- Linux/macOS: ~/.config/qui-remote/config.toml
- Windows: %APPDATA%\qui-remote\config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := configFilePath(flags.configDir)

			if _, err := os.Stat(configPath); err == nil {
				cmd.Printf("Configuration file already exists at: %s\n", configPath)
				cmd.Println("Skipping generation to avoid overwriting existing configuration.")
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to create configuration file: %w", err)
			}

			cmd.Printf("Configuration file created successfully at: %s\n", configPath)
			return nil
		},
	}

	return command
}

func configFilePath(configDir string) string {
	if configDir == "" {
		return filepath.Join(config.GetDefaultConfigDir(), "config.toml")
	}
	if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
		return configDir
	}
	if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
		return configDir
	}
	return filepath.Join(configDir, "config.toml")
}

func readPassword(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Print(prompt)
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(password), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	var password string
	if _, err := fmt.Scanln(&password); err != nil {
		return "", fmt.Errorf("failed to read password from stdin: %w", err)
	}
	return password, nil
}
