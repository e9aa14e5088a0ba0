// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/qui-remote/internal/config"
	"github.com/autobrr/qui-remote/internal/database"
	"github.com/autobrr/qui-remote/internal/models"
	"github.com/autobrr/qui-remote/internal/qbittorrent"
)

var errNoProfile = errors.New("no --profile given and no active server to fall back to")

// Application holds what every subcommand needs: config, database and stores.
type Application struct {
	cfg      *config.AppConfig
	db       *database.DB
	settings *models.SettingsStore
	profiles *models.ServerProfileStore
}

func NewApplication(ctx context.Context, flags *globalFlags) (*Application, error) {
	cfg, err := config.New(flags.configDir, Version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize configuration: %w", err)
	}

	if flags.dataDir != "" {
		cfg.SetDataDir(flags.dataDir)
	}
	if flags.logPath != "" {
		cfg.Config.LogPath = flags.logPath
	}

	cfg.ApplyLogConfig()

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	settings := models.NewSettingsStore(db)

	salt, err := settings.EncryptionSalt(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load encryption salt: %w", err)
	}

	profiles, err := models.NewServerProfileStore(db, models.DeriveEncryptionKey(cfg.EncryptionSecret(), salt))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize server profile store: %w", err)
	}

	return &Application{
		cfg:      cfg,
		db:       db,
		settings: settings,
		profiles: profiles,
	}, nil
}

func (app *Application) Close() {
	if err := app.db.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close database")
	}
}

func (app *Application) NewRemote() *qbittorrent.Remote {
	remote := qbittorrent.NewRemote(app.cfg.Config, app.settings)
	app.cfg.RegisterReloadListener(remote.ApplyConfig)
	return remote
}

// resolveProfile picks the profile named by ref. Without ref it falls back
// to the persisted active server, then to the only stored profile.
func (app *Application) resolveProfile(ctx context.Context, ref string) (*models.ServerProfile, error) {
	if ref != "" {
		return app.profiles.Resolve(ctx, ref)
	}

	id, ok, err := app.settings.ActiveServer(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read active server marker")
	} else if ok {
		profile, err := app.profiles.Get(ctx, id)
		if err == nil {
			return profile, nil
		}
		if !errors.Is(err, models.ErrServerProfileNotFound) {
			return nil, err
		}
		log.Debug().Int("serverID", id).Msg("Active server marker points at a deleted profile")
	}

	profiles, err := app.profiles.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(profiles) != 1 {
		return nil, errNoProfile
	}
	return app.profiles.Get(ctx, profiles[0].ID)
}

// connect attaches remote to profile and records the successful connect.
func (app *Application) connect(ctx context.Context, remote *qbittorrent.Remote, profile *models.ServerProfile) error {
	if err := remote.Connections.Connect(ctx, profile); err != nil {
		return err
	}

	if err := app.profiles.TouchLastConnected(ctx, profile.ID, time.Now()); err != nil {
		log.Warn().Err(err).Int("serverID", profile.ID).Msg("Failed to record last connection time")
	}
	return nil
}
